package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/features"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/storage"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string         `json:"status"`
	Models ml.ModelStatus `json:"models"`
}

// ModelInfo is the body of GET /model/info.
type ModelInfo struct {
	Models             ml.ModelStatus                `json:"models"`
	Features           []string                      `json:"features"`
	FeatureImportances map[string]map[string]float64 `json:"feature_importances"`
	LatestRun          *storage.TrainingRun          `json:"latest_run"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status             string    `json:"status"`
	DatasetAvailable   bool      `json:"dataset_available"`
	TelemetryAvailable bool      `json:"telemetry_available"`
	Timestamp          time.Time `json:"timestamp"`
}

// DataResponse is the body of GET /api/data.
type DataResponse struct {
	KPIs      analytics.KPIs             `json:"kpis"`
	RawData   []map[string]any           `json:"raw_data"`
	Vibration analytics.VibrationProfile `json:"vibration"`
	Timestamp time.Time                  `json:"timestamp"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.predictor.PredictFromTelemetry(data))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.predictor.Status()
	resp := HealthResponse{Status: "healthy", Models: status}
	code := http.StatusOK
	if !status.Healthy() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	info := ModelInfo{
		Models:             s.predictor.Status(),
		Features:           features.Names[:],
		FeatureImportances: s.predictor.FeatureImportances(),
	}
	if s.runs != nil {
		run, ok, err := s.runs.LatestRun()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Failed to read latest training run")
		case ok:
			info.LatestRun = &run
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:             "operational",
		DatasetAvailable:   fileExists(s.cfg.DatasetCSV),
		TelemetryAvailable: fileExists(s.cfg.TelemetryCSV),
		Timestamp:          time.Now().UTC(),
	})
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	frame, err := telemetry.ReadCSVFile(s.cfg.DatasetCSV)
	if errors.Is(err, os.ErrNotExist) || (err == nil && frame.Len() == 0) {
		writeError(w, http.StatusNotFound, "No data available. Generate dataset first.")
		return
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.ErrorsInc()
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error processing data: %v", err))
		return
	}

	rows := latestRows(frame, dataWindow)
	raw := make([]map[string]any, 0, rawDataRows)
	for _, i := range rows[:min(rawDataRows, len(rows))] {
		raw = append(raw, frame.Row(i))
	}

	writeJSON(w, http.StatusOK, DataResponse{
		KPIs:      analytics.ComputeKPIs(frame, rows),
		RawData:   raw,
		Vibration: analytics.Vibration(frame),
		Timestamp: time.Now().UTC(),
	})
}

// latestRows returns up to n row indices ordered by timestamp, most recent
// first. Rows without a timestamp column fall back to file order.
func latestRows(f *telemetry.Frame, n int) []int {
	ts, ok := f.Text(telemetry.ColTimestamp)
	if !ok {
		return f.Tail(n)
	}
	rows := f.Tail(f.Len())
	// The fixed UTC layout sorts lexically.
	sort.SliceStable(rows, func(a, b int) bool { return ts[rows[a]] > ts[rows[b]] })
	return rows[:min(n, len(rows))]
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

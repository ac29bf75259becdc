// Package backtest replays a labelled telemetry dataset through the predictor
// and scores the live models against the ground truth.
package backtest

import (
	"context"
	"errors"
	"math"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/features"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Predictor is the subset of ml.Predictor the engine needs.
type Predictor interface {
	PredictRoughness(v features.Vector) (float64, error)
	PredictWear(v features.Vector) (ml.WearPrediction, error)
}

var _ Predictor = (*ml.Predictor)(nil)

const numWearStates = telemetry.WearWorn + 1

// Engine represents the backtesting engine
type Engine struct {
	predictor Predictor
	data      *DataLoader
	tolerance float64
	results   *Results
}

// RowResult is the outcome of one replayed sample.
type RowResult struct {
	Timestamp          time.Time `json:"timestamp"`
	MachineID          string    `json:"machine_id"`
	ActualRoughness    float64   `json:"actual_roughness_um"`
	PredictedRoughness *float64  `json:"predicted_roughness_um"`
	ActualWear         int       `json:"actual_wear_state"`
	PredictedWear      *int      `json:"predicted_wear_state"`
	Confidence         float64   `json:"confidence"`
}

// MachineStats holds per-machine scores.
type MachineStats struct {
	Samples      int     `json:"samples"`
	RoughnessMAE float64 `json:"roughness_mae"`
	WearAccuracy float64 `json:"wear_accuracy"`
}

// Results holds backtesting results
type Results struct {
	Rows []RowResult `json:"-"`

	Samples              int     `json:"samples"`
	Skipped              int     `json:"skipped"`
	RoughnessScored      int     `json:"roughness_scored"`
	RoughnessMAE         float64 `json:"roughness_mae"`
	RoughnessR2          float64 `json:"roughness_r2"`
	WithinTolerance      float64 `json:"within_tolerance"`
	ToleranceUM          float64 `json:"tolerance_um"`
	WearScored           int     `json:"wear_scored"`
	WearAccuracy         float64 `json:"wear_accuracy"`
	MeanConfidence       float64 `json:"mean_confidence"`
	RoughnessUnavailable int     `json:"roughness_unavailable"`
	WearUnavailable      int     `json:"wear_unavailable"`

	// Confusion[actual][predicted]
	Confusion [numWearStates][numWearStates]int `json:"confusion"`
	Machines  map[string]*MachineStats          `json:"machines"`

	Dataset   analytics.Insights         `json:"dataset"`
	Vibration analytics.VibrationProfile `json:"vibration"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`
}

// NewEngine creates an engine. tolerance is the ± band in µm counted as a hit.
func NewEngine(predictor Predictor, data *DataLoader, tolerance float64) *Engine {
	return &Engine{
		predictor: predictor,
		data:      data,
		tolerance: tolerance,
		results:   &Results{Machines: make(map[string]*MachineStats)},
	}
}

// Run replays every sample. It stops early when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Time("start", e.data.StartTime).
		Time("end", e.data.EndTime).
		Int("samples", e.data.Len()).
		Msg("Starting backtest")

	started := time.Now()
	e.data.Reset()
	for e.data.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.replay(e.data.Next())
	}

	e.calculateMetrics()
	e.results.Duration = time.Since(started)

	log.Info().
		Int("samples", e.results.Samples).
		Float64("roughness_mae", e.results.RoughnessMAE).
		Float64("roughness_r2", e.results.RoughnessR2).
		Float64("wear_accuracy", e.results.WearAccuracy).
		Dur("duration", e.results.Duration).
		Msg("Backtest complete")
	return nil
}

// Results returns the computed results.
func (e *Engine) Results() *Results {
	return e.results
}

func (e *Engine) replay(s Sample) {
	row := RowResult{
		Timestamp:       s.Timestamp,
		MachineID:       s.MachineID,
		ActualRoughness: s.Roughness,
		ActualWear:      s.WearState,
	}

	ra, err := e.predictor.PredictRoughness(s.Features)
	switch {
	case err == nil:
		row.PredictedRoughness = &ra
	case errors.Is(err, ml.ErrModelUnavailable):
		e.results.RoughnessUnavailable++
	default:
		log.Warn().Err(err).Msg("Roughness prediction failed")
		e.results.RoughnessUnavailable++
	}

	wp, err := e.predictor.PredictWear(s.Features)
	switch {
	case err == nil:
		state := wp.State
		row.PredictedWear = &state
		row.Confidence = wp.Confidence
	case errors.Is(err, ml.ErrModelUnavailable):
		e.results.WearUnavailable++
	default:
		log.Warn().Err(err).Msg("Wear prediction failed")
		e.results.WearUnavailable++
	}

	e.results.Rows = append(e.results.Rows, row)
}

func (e *Engine) calculateMetrics() {
	r := e.results
	r.Samples = len(r.Rows)
	r.Skipped = e.data.Skipped()
	r.ToleranceUM = e.tolerance
	r.StartTime = e.data.StartTime
	r.EndTime = e.data.EndTime
	if f := e.data.Frame(); f != nil {
		r.Dataset = analytics.Summarize(f)
		r.Vibration = analytics.Vibration(f)
	}

	var predicted, actual []float64
	var predictedWear, actualWear []int
	var confidence float64
	within := 0

	type acc struct {
		absErr     float64
		rough      int
		hits, wear int
	}
	perMachine := make(map[string]*acc)

	for _, row := range r.Rows {
		m := perMachine[row.MachineID]
		if m == nil {
			m = &acc{}
			perMachine[row.MachineID] = m
		}
		if _, ok := r.Machines[row.MachineID]; !ok {
			r.Machines[row.MachineID] = &MachineStats{}
		}
		r.Machines[row.MachineID].Samples++

		if row.PredictedRoughness != nil && !math.IsNaN(row.ActualRoughness) {
			diff := math.Abs(*row.PredictedRoughness - row.ActualRoughness)
			predicted = append(predicted, *row.PredictedRoughness)
			actual = append(actual, row.ActualRoughness)
			if diff <= e.tolerance {
				within++
			}
			m.absErr += diff
			m.rough++
		}

		if row.PredictedWear != nil && row.ActualWear >= 0 && row.ActualWear < numWearStates {
			predictedWear = append(predictedWear, *row.PredictedWear)
			actualWear = append(actualWear, row.ActualWear)
			confidence += row.Confidence
			if p := *row.PredictedWear; p >= 0 && p < numWearStates {
				r.Confusion[row.ActualWear][p]++
			}
			if *row.PredictedWear == row.ActualWear {
				m.hits++
			}
			m.wear++
		}
	}

	r.RoughnessScored = len(actual)
	if len(actual) > 0 {
		r.RoughnessMAE = ml.MeanAbsoluteError(predicted, actual)
		r.WithinTolerance = float64(within) / float64(len(actual))
	}
	if len(actual) >= 2 {
		r.RoughnessR2 = ml.RSquared(predicted, actual)
	}
	if math.IsNaN(r.RoughnessR2) || math.IsInf(r.RoughnessR2, 0) {
		r.RoughnessR2 = 0
	}

	r.WearScored = len(actualWear)
	if len(actualWear) > 0 {
		r.WearAccuracy = ml.Accuracy(predictedWear, actualWear)
		r.MeanConfidence = confidence / float64(len(actualWear))
	}

	for id, m := range perMachine {
		stats := r.Machines[id]
		if m.rough > 0 {
			stats.RoughnessMAE = m.absErr / float64(m.rough)
		}
		if m.wear > 0 {
			stats.WearAccuracy = float64(m.hits) / float64(m.wear)
		}
	}
}

package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Report file names
const (
	SummaryFile     = "backtest_summary.txt"
	ResultsFile     = "backtest_results.json"
	PredictionsFile = "backtest_predictions.csv"
)

var wearNames = [numWearStates]string{"new", "medium", "worn"}

// Reporter generates backtest reports
type Reporter struct {
	results    *Results
	training   *ml.TrainingMetrics
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// WithTraining adds the held-out metrics of the training run to the reports.
func (r *Reporter) WithTraining(m ml.TrainingMetrics) *Reporter {
	r.training = &m
	return r
}

// GenerateReport generates all report formats
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateJSONReport(); err != nil {
		return err
	}
	return r.generatePredictionLog()
}

// generateSummary generates a human-readable summary
func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	res := r.results

	fmt.Fprintf(w, "BACKTEST RESULTS SUMMARY\n")
	fmt.Fprintf(w, "========================\n\n")

	fmt.Fprintf(w, "Time Period: %s to %s\n",
		res.StartTime.Format("2006-01-02 15:04:05"),
		res.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Samples: %d (%d skipped for missing features)\n\n", res.Samples, res.Skipped)

	fmt.Fprintf(w, "MACHINE HEALTH\n")
	fmt.Fprintf(w, "--------------\n")
	fmt.Fprintf(w, "Vibration magnitude: p80 %.2f g, p95 %.2f g, max %.2f g\n", res.Vibration.P80, res.Vibration.P95, res.Vibration.Max)
	fmt.Fprintf(w, "Average spindle temperature: %.1f °C\n", res.Dataset.AvgTempC)
	fmt.Fprintf(w, "Average remaining useful life: %.1f min\n", res.Dataset.AvgRUL)
	fmt.Fprintf(w, "Chatter events: %d (%.2f%%)\n\n", res.Dataset.ChatterEvents, res.Dataset.ChatterRate*100)

	fmt.Fprintf(w, "SURFACE ROUGHNESS MODEL\n")
	fmt.Fprintf(w, "-----------------------\n")
	fmt.Fprintf(w, "Scored: %d, unavailable: %d\n", res.RoughnessScored, res.RoughnessUnavailable)
	fmt.Fprintf(w, "MAE: %.4f µm\n", res.RoughnessMAE)
	fmt.Fprintf(w, "R²: %.4f\n", res.RoughnessR2)
	fmt.Fprintf(w, "Within ±%.2f µm: %.2f%%\n\n", res.ToleranceUM, res.WithinTolerance*100)

	fmt.Fprintf(w, "TOOL WEAR MODEL\n")
	fmt.Fprintf(w, "---------------\n")
	fmt.Fprintf(w, "Scored: %d, unavailable: %d\n", res.WearScored, res.WearUnavailable)
	fmt.Fprintf(w, "Accuracy: %.2f%%\n", res.WearAccuracy*100)
	fmt.Fprintf(w, "Mean confidence: %.2f\n", res.MeanConfidence)
	fmt.Fprintf(w, "Confusion (rows actual, columns predicted):\n")
	fmt.Fprintf(w, "%8s %8s %8s %8s\n", "", wearNames[0], wearNames[1], wearNames[2])
	for a := 0; a < numWearStates; a++ {
		fmt.Fprintf(w, "%8s %8d %8d %8d\n", wearNames[a], res.Confusion[a][0], res.Confusion[a][1], res.Confusion[a][2])
	}

	if r.training != nil {
		fmt.Fprintf(w, "\nTRAINING (HELD-OUT)\n")
		fmt.Fprintf(w, "-------------------\n")
		fmt.Fprintf(w, "Roughness R²: %.4f, MAE: %.4f µm\n", r.training.RoughnessR2, r.training.RoughnessMAE)
		fmt.Fprintf(w, "Wear accuracy: %.2f%%\n", r.training.WearAccuracy*100)
		fmt.Fprintf(w, "Rows: %d train, %d test, %d dropped\n", r.training.TrainRows, r.training.TestRows, r.training.DroppedRows)
	}

	if len(res.Machines) > 0 {
		fmt.Fprintf(w, "\nPERFORMANCE BY MACHINE\n")
		fmt.Fprintf(w, "----------------------\n")
		ids := make([]string, 0, len(res.Machines))
		for id := range res.Machines {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := res.Machines[id]
			fmt.Fprintf(w, "%s: %d samples, MAE %.4f µm, wear accuracy %.2f%%\n",
				id, s.Samples, s.RoughnessMAE, s.WearAccuracy*100)
		}
	}

	fmt.Fprintf(w, "\nRECOMMENDATIONS\n")
	fmt.Fprintf(w, "---------------\n")
	for _, line := range recommendations(res) {
		fmt.Fprintf(w, "- %s\n", line)
	}
}

// recommendations turns the results into maintenance advice.
func recommendations(res *Results) []string {
	th := analytics.DefaultThresholds()
	var out []string
	if res.Vibration.P95 > th.VibrationG {
		out = append(out, fmt.Sprintf("95th percentile vibration exceeds %.1f g; reduce feed when vibration rises to extend tool life", th.VibrationG))
	}
	if res.Dataset.AvgRoughness > th.RoughnessToleranceUM {
		out = append(out, fmt.Sprintf("average Ra is above the %.1f µm tolerance; enforce vibration-aware cutting constraints", th.RoughnessToleranceUM))
	}
	if res.Confusion[telemetry.WearWorn][telemetry.WearWorn] > 0 {
		out = append(out, "worn tools are detected by the wear model; schedule replacement on its alerts")
	}
	if res.RoughnessUnavailable > 0 || res.WearUnavailable > 0 {
		out = append(out, "some predictions were unavailable; retrain and redeploy the missing model")
	}
	if len(out) == 0 {
		out = append(out, "no action required")
	}
	return out
}

// generateJSONReport generates a JSON report with all aggregate data
func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, ResultsFile)

	report := map[string]interface{}{
		"summary":         r.results,
		"recommendations": recommendations(r.results),
		"generated_at":    time.Now().UTC(),
	}
	if r.training != nil {
		report["training"] = r.training
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// generatePredictionLog generates a CSV log of every replayed sample
func (r *Reporter) generatePredictionLog() error {
	csvPath := filepath.Join(r.outputPath, PredictionsFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create prediction log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"timestamp", "machine_id", "actual_roughness_um", "predicted_roughness_um",
		"abs_error_um", "actual_wear_state", "predicted_wear_state", "confidence",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range r.results.Rows {
		predicted, absErr := "", ""
		if row.PredictedRoughness != nil {
			predicted = formatFloat(*row.PredictedRoughness)
			if !math.IsNaN(row.ActualRoughness) {
				absErr = formatFloat(math.Abs(*row.PredictedRoughness - row.ActualRoughness))
			}
		}
		actual := ""
		if !math.IsNaN(row.ActualRoughness) {
			actual = formatFloat(row.ActualRoughness)
		}
		actualWear, predictedWear, confidence := "", "", ""
		if row.ActualWear >= 0 {
			actualWear = strconv.Itoa(row.ActualWear)
		}
		if row.PredictedWear != nil {
			predictedWear = strconv.Itoa(*row.PredictedWear)
			confidence = formatFloat(row.Confidence)
		}

		record := []string{
			row.Timestamp.UTC().Format(telemetry.TimestampLayout),
			row.MachineID,
			actual, predicted, absErr,
			actualWear, predictedWear, confidence,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write prediction log: %w", err)
	}

	log.Info().Str("file", csvPath).Int("rows", len(r.results.Rows)).Msg("Prediction log generated")
	return nil
}

// PrintSummary prints a summary to w
func (r *Reporter) PrintSummary(w io.Writer) {
	res := r.results
	fmt.Fprintln(w, "\n=== BACKTEST RESULTS ===")
	fmt.Fprintf(w, "Samples: %d\n", res.Samples)
	fmt.Fprintf(w, "Roughness MAE: %.4f µm\n", res.RoughnessMAE)
	fmt.Fprintf(w, "Roughness R²: %.4f\n", res.RoughnessR2)
	fmt.Fprintf(w, "Within ±%.2f µm: %.2f%%\n", res.ToleranceUM, res.WithinTolerance*100)
	fmt.Fprintf(w, "Wear Accuracy: %.2f%%\n", res.WearAccuracy*100)
	fmt.Fprintf(w, "Unavailable: roughness %d, wear %d\n", res.RoughnessUnavailable, res.WearUnavailable)
	fmt.Fprintln(w, "========================")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

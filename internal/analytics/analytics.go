// Package analytics summarizes telemetry datasets and raises threshold alerts on
// individual records and live predictions.
package analytics

import (
	"math"
	"slices"

	"cnc-twin/internal/telemetry"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Insights are whole-dataset summary statistics.
type Insights struct {
	TotalRecords  int     `json:"total_records"`
	Machines      int     `json:"machines"`
	Operations    int     `json:"operations"`
	AvgSpindleRPM float64 `json:"avg_spindle_rpm"`
	AvgTempC      float64 `json:"avg_temp"`
	ChatterEvents int     `json:"chatter_events"`
	ChatterRate   float64 `json:"chatter_rate"`
	AvgRoughness  float64 `json:"avg_roughness"`
	AvgRUL        float64 `json:"avg_rul"`
}

// KPIs are the dashboard indicators over a window of records.
type KPIs struct {
	TotalRecords  int     `json:"total_records"`
	AvgSpindleRPM float64 `json:"avg_spindle_rpm"`
	MaxTempC      float64 `json:"max_temp"`
	AvgPowerKW    float64 `json:"avg_power"`
	ChatterEvents int     `json:"chatter_events"`
	AvgRoughness  float64 `json:"avg_roughness"`
	AvgRUL        float64 `json:"avg_rul"`
	Machines      int     `json:"machines"`
}

// VibrationProfile describes the distribution of vibration magnitude.
type VibrationProfile struct {
	Mean float64 `json:"mean"`
	P80  float64 `json:"p80"`
	P95  float64 `json:"p95"`
	Max  float64 `json:"max"`
}

// Summarize computes Insights over every row of f. Missing cells are ignored.
func Summarize(f *telemetry.Frame) Insights {
	all := allRows(f)
	chatter := values(f, telemetry.ColChatterDetected, all)
	events := int(floats.Sum(chatter))

	rate := 0.0
	if len(chatter) > 0 {
		rate = float64(events) / float64(len(chatter))
	}

	return Insights{
		TotalRecords:  f.Len(),
		Machines:      distinct(f, telemetry.ColMachineID, all),
		Operations:    distinct(f, telemetry.ColOperationID, all),
		AvgSpindleRPM: mean(values(f, telemetry.ColSpindleSpeed, all)),
		AvgTempC:      mean(values(f, telemetry.ColSpindleTemp, all)),
		ChatterEvents: events,
		ChatterRate:   rate,
		AvgRoughness:  mean(values(f, telemetry.ColSurfaceRoughness, all)),
		AvgRUL:        mean(values(f, telemetry.ColRUL, all)),
	}
}

// ComputeKPIs computes the dashboard KPIs over the given rows of f.
func ComputeKPIs(f *telemetry.Frame, rows []int) KPIs {
	temps := values(f, telemetry.ColSpindleTemp, rows)
	maxTemp := 0.0
	if len(temps) > 0 {
		maxTemp = floats.Max(temps)
	}

	return KPIs{
		TotalRecords:  len(rows),
		AvgSpindleRPM: mean(values(f, telemetry.ColSpindleSpeed, rows)),
		MaxTempC:      maxTemp,
		AvgPowerKW:    mean(values(f, telemetry.ColPower, rows)),
		ChatterEvents: int(floats.Sum(values(f, telemetry.ColChatterDetected, rows))),
		AvgRoughness:  mean(values(f, telemetry.ColSurfaceRoughness, rows)),
		AvgRUL:        mean(values(f, telemetry.ColRUL, rows)),
		Machines:      distinct(f, telemetry.ColMachineID, rows),
	}
}

// Vibration computes the vibration magnitude profile of f.
func Vibration(f *telemetry.Frame) VibrationProfile {
	n := f.Len()
	mags := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		m := telemetry.VibrationMagnitude(
			f.Value(telemetry.ColVibrationX, i),
			f.Value(telemetry.ColVibrationY, i),
			f.Value(telemetry.ColVibrationZ, i),
		)
		if !math.IsNaN(m) {
			mags = append(mags, m)
		}
	}
	if len(mags) == 0 {
		return VibrationProfile{}
	}

	slices.Sort(mags)
	return VibrationProfile{
		Mean: stat.Mean(mags, nil),
		P80:  stat.Quantile(0.8, stat.Empirical, mags, nil),
		P95:  stat.Quantile(0.95, stat.Empirical, mags, nil),
		Max:  mags[len(mags)-1],
	}
}

func allRows(f *telemetry.Frame) []int {
	rows := make([]int, f.Len())
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// values returns the non-missing cells of col at rows.
func values(f *telemetry.Frame, col string, rows []int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, i := range rows {
		if v := f.Value(col, i); !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}

func distinct(f *telemetry.Frame, col string, rows []int) int {
	text, ok := f.Text(col)
	if !ok {
		return 0
	}
	seen := make(map[string]struct{})
	for _, i := range rows {
		if i >= 0 && i < len(text) && text[i] != "" {
			seen[text[i]] = struct{}{}
		}
	}
	return len(seen)
}

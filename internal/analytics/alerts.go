package analytics

import (
	"fmt"
	"time"

	"cnc-twin/internal/common"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/telemetry"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert types
const (
	AlertVibration          = "vibration"
	AlertChatter            = "chatter"
	AlertSpindleTemp        = "spindle_temp"
	AlertRoughness          = "roughness"
	AlertRUL                = "rul"
	AlertPredictedRoughness = "predicted_roughness"
	AlertPredictedWear      = "predicted_wear"
)

// Thresholds configure alert evaluation.
type Thresholds struct {
	VibrationG           float64 `json:"vibration_g"`
	CuttingForceN        float64 `json:"cutting_force_n"`
	SpindleTempCriticalC float64 `json:"spindle_temp_critical_c"`
	SpindleTempWarningC  float64 `json:"spindle_temp_warning_c"`
	RoughnessToleranceUM float64 `json:"roughness_tolerance_um"`
	RULWarningMinutes    float64 `json:"rul_warning_minutes"`
}

// DefaultThresholds returns the shop-floor defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VibrationG:           common.DefaultVibrationThresholdG,
		CuttingForceN:        common.DefaultCuttingForceThresholdN,
		SpindleTempCriticalC: common.DefaultSpindleTempCriticalC,
		SpindleTempWarningC:  common.DefaultSpindleTempWarningC,
		RoughnessToleranceUM: common.DefaultRoughnessToleranceUM,
		RULWarningMinutes:    common.DefaultRULWarningMinutes,
	}
}

// Alert is one threshold violation.
type Alert struct {
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	MachineID string    `json:"machine_id"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Evaluate checks one record against the thresholds.
func Evaluate(r telemetry.Record, t Thresholds) []Alert {
	var alerts []Alert
	add := func(kind string, sev Severity, value, threshold float64, format string) {
		alerts = append(alerts, Alert{
			Type:      kind,
			Severity:  sev,
			MachineID: r.MachineID,
			Value:     value,
			Threshold: threshold,
			Message:   fmt.Sprintf(format, value, threshold),
			Timestamp: r.Timestamp,
		})
	}

	if mag := r.VibrationMagnitude(); mag > t.VibrationG {
		add(AlertVibration, SeverityWarning, mag, t.VibrationG, "vibration magnitude %.3f g above %.2f g")
	}
	if r.ChatterDetected {
		add(AlertChatter, SeverityCritical, r.CuttingForceN, t.CuttingForceN, "chatter at cutting force %.1f N (limit %.0f N)")
	}
	switch {
	case r.SpindleTempC >= t.SpindleTempCriticalC:
		add(AlertSpindleTemp, SeverityCritical, r.SpindleTempC, t.SpindleTempCriticalC, "spindle temperature %.1f °C at or above critical %.0f °C")
	case r.SpindleTempC >= t.SpindleTempWarningC:
		add(AlertSpindleTemp, SeverityWarning, r.SpindleTempC, t.SpindleTempWarningC, "spindle temperature %.1f °C at or above warning %.0f °C")
	}
	if r.SurfaceRoughness > t.RoughnessToleranceUM {
		add(AlertRoughness, SeverityWarning, r.SurfaceRoughness, t.RoughnessToleranceUM, "surface roughness %.3f µm above tolerance %.2f µm")
	}
	if r.RULMinutes < t.RULWarningMinutes {
		add(AlertRUL, SeverityWarning, r.RULMinutes, t.RULWarningMinutes, "remaining useful life %.1f min below %.0f min")
	}
	return alerts
}

// EvaluatePrediction raises alerts on model output for one machine.
func EvaluatePrediction(machineID string, ts time.Time, p ml.Prediction, t Thresholds) []Alert {
	var alerts []Alert
	if p.SurfaceRoughnessUM != nil && *p.SurfaceRoughnessUM > t.RoughnessToleranceUM {
		alerts = append(alerts, Alert{
			Type:      AlertPredictedRoughness,
			Severity:  SeverityWarning,
			MachineID: machineID,
			Value:     *p.SurfaceRoughnessUM,
			Threshold: t.RoughnessToleranceUM,
			Message:   fmt.Sprintf("predicted roughness %.3f µm above tolerance %.2f µm", *p.SurfaceRoughnessUM, t.RoughnessToleranceUM),
			Timestamp: ts,
		})
	}
	if p.ToolWear != nil && p.ToolWear.State == telemetry.WearWorn {
		alerts = append(alerts, Alert{
			Type:      AlertPredictedWear,
			Severity:  SeverityCritical,
			MachineID: machineID,
			Value:     p.ToolWear.Confidence,
			Threshold: float64(telemetry.WearWorn),
			Message:   fmt.Sprintf("tool predicted worn with confidence %.2f", p.ToolWear.Confidence),
			Timestamp: ts,
		})
	}
	return alerts
}

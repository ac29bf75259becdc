// Package telemetry defines the CNC telemetry record, its documented physical bounds,
// and the CSV dataset format shared by the synthesizer, the trainer and the collector.
//
// Datasets are read into a column-oriented Frame so that rows with missing values
// can be detected and dropped without mutating the source.
package telemetry

import (
	"math"
	"time"
)

// TimestampLayout is the ISO-8601 UTC layout used for every timestamp on disk.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Column names of the dataset CSV, in file order.
const (
	ColTimestamp        = "timestamp"
	ColMachineID        = "machine_id"
	ColOperationID      = "operation_id"
	ColSpindleSpeed     = "spindle_speed_rpm"
	ColFeedRate         = "feed_rate_mm_min"
	ColXAxisPosition    = "x_axis_position"
	ColYAxisPosition    = "y_axis_position"
	ColZAxisPosition    = "z_axis_position"
	ColVibrationX       = "vibration_x_g"
	ColVibrationY       = "vibration_y_g"
	ColVibrationZ       = "vibration_z_g"
	ColSpindleTemp      = "spindle_temp_c"
	ColMotorTemp        = "motor_temp_c"
	ColCuttingForce     = "cutting_force_n"
	ColAcousticEmission = "acoustic_emission_ae"
	ColPower            = "power_consumption_kw"
	ColToolWearState    = "tool_wear_state"
	ColSurfaceRoughness = "surface_roughness_ra_um"
	ColChatterDetected  = "chatter_detected"
	ColRUL              = "remaining_useful_life_min"
)

// Columns lists the dataset header in order.
var Columns = []string{
	ColTimestamp, ColMachineID, ColOperationID,
	ColSpindleSpeed, ColFeedRate,
	ColXAxisPosition, ColYAxisPosition, ColZAxisPosition,
	ColVibrationX, ColVibrationY, ColVibrationZ,
	ColSpindleTemp, ColMotorTemp,
	ColCuttingForce, ColAcousticEmission, ColPower,
	ColToolWearState, ColSurfaceRoughness, ColChatterDetected, ColRUL,
}

// stringColumns are kept as text in a Frame; everything else is numeric.
var stringColumns = map[string]bool{
	ColTimestamp:   true,
	ColMachineID:   true,
	ColOperationID: true,
}

// Tool wear states
const (
	WearNew    = 0
	WearMedium = 1
	WearWorn   = 2
)

// Record is one telemetry reading of one machine.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	MachineID        string    `json:"machine_id"`
	OperationID      string    `json:"operation_id"`
	SpindleSpeedRPM  int       `json:"spindle_speed_rpm"`
	FeedRateMMMin    float64   `json:"feed_rate_mm_min"`
	XAxisPosition    float64   `json:"x_axis_position"`
	YAxisPosition    float64   `json:"y_axis_position"`
	ZAxisPosition    float64   `json:"z_axis_position"`
	VibrationXG      float64   `json:"vibration_x_g"`
	VibrationYG      float64   `json:"vibration_y_g"`
	VibrationZG      float64   `json:"vibration_z_g"`
	SpindleTempC     float64   `json:"spindle_temp_c"`
	MotorTempC       float64   `json:"motor_temp_c"`
	CuttingForceN    float64   `json:"cutting_force_n"`
	AcousticEmission float64   `json:"acoustic_emission_ae"`
	PowerKW          float64   `json:"power_consumption_kw"`
	ToolWearState    int       `json:"tool_wear_state"`
	SurfaceRoughness float64   `json:"surface_roughness_ra_um"`
	ChatterDetected  bool      `json:"chatter_detected"`
	RULMinutes       float64   `json:"remaining_useful_life_min"`
}

// VibrationMagnitude is the Euclidean norm of the three vibration axes.
func (r Record) VibrationMagnitude() float64 {
	return VibrationMagnitude(r.VibrationXG, r.VibrationYG, r.VibrationZG)
}

// VibrationMagnitude returns sqrt(x²+y²+z²).
func VibrationMagnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min, Max float64
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Clip limits v to the range.
func (r Range) Clip(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Bounds are the documented valid ranges of every clipped field.
var Bounds = map[string]Range{
	ColSpindleSpeed:     {800, 12000},
	ColFeedRate:         {100, 2000},
	ColXAxisPosition:    {0, 200},
	ColYAxisPosition:    {0, 200},
	ColZAxisPosition:    {-20, 0},
	ColVibrationX:       {0.05, 2.5},
	ColVibrationY:       {0.05, 2.5},
	ColVibrationZ:       {0.05, 2.5},
	ColSpindleTemp:      {25, 95},
	ColMotorTemp:        {25, 100},
	ColCuttingForce:     {50, 2000},
	ColAcousticEmission: {0, 80},
	ColPower:            {0.5, 15},
	ColToolWearState:    {WearNew, WearWorn},
	ColSurfaceRoughness: {0.1, 3.0},
	ColRUL:              {0, 60},
}

// Numeric returns the value of a numeric column of the record.
// Booleans map to 0/1. The second result is false for unknown or text columns.
func (r Record) Numeric(col string) (float64, bool) {
	switch col {
	case ColSpindleSpeed:
		return float64(r.SpindleSpeedRPM), true
	case ColFeedRate:
		return r.FeedRateMMMin, true
	case ColXAxisPosition:
		return r.XAxisPosition, true
	case ColYAxisPosition:
		return r.YAxisPosition, true
	case ColZAxisPosition:
		return r.ZAxisPosition, true
	case ColVibrationX:
		return r.VibrationXG, true
	case ColVibrationY:
		return r.VibrationYG, true
	case ColVibrationZ:
		return r.VibrationZG, true
	case ColSpindleTemp:
		return r.SpindleTempC, true
	case ColMotorTemp:
		return r.MotorTempC, true
	case ColCuttingForce:
		return r.CuttingForceN, true
	case ColAcousticEmission:
		return r.AcousticEmission, true
	case ColPower:
		return r.PowerKW, true
	case ColToolWearState:
		return float64(r.ToolWearState), true
	case ColSurfaceRoughness:
		return r.SurfaceRoughness, true
	case ColChatterDetected:
		if r.ChatterDetected {
			return 1, true
		}
		return 0, true
	case ColRUL:
		return r.RULMinutes, true
	}
	return 0, false
}

func (r Record) text(col string) string {
	switch col {
	case ColTimestamp:
		return r.Timestamp.UTC().Format(TimestampLayout)
	case ColMachineID:
		return r.MachineID
	case ColOperationID:
		return r.OperationID
	}
	return ""
}

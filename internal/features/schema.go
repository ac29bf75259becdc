// Package features defines the fixed feature schema shared by training and inference.
//
// The order of Names is the contract between the trainer and the predictor: a fitted
// model carries no schema tag, so a reordered vector silently corrupts predictions.
package features

import (
	"slices"

	"cnc-twin/internal/telemetry"
)

// NumFeatures is the length of every model input vector.
const NumFeatures = 10

// Vector is one model input in schema order.
type Vector [NumFeatures]float64

// Names lists the input features in schema order.
var Names = [NumFeatures]string{
	telemetry.ColSpindleSpeed,
	telemetry.ColFeedRate,
	telemetry.ColVibrationX,
	telemetry.ColVibrationY,
	telemetry.ColVibrationZ,
	telemetry.ColSpindleTemp,
	telemetry.ColMotorTemp,
	telemetry.ColCuttingForce,
	telemetry.ColAcousticEmission,
	telemetry.ColPower,
}

// Defaults used when a live telemetry mapping lacks a key.
var Defaults = map[string]float64{
	telemetry.ColSpindleSpeed:     5000,
	telemetry.ColFeedRate:         800,
	telemetry.ColVibrationX:       0.5,
	telemetry.ColVibrationY:       0.5,
	telemetry.ColVibrationZ:       0.5,
	telemetry.ColSpindleTemp:      60,
	telemetry.ColMotorTemp:        50,
	telemetry.ColCuttingForce:     400,
	telemetry.ColAcousticEmission: 5,
	telemetry.ColPower:            5,
}

// Schema names the input features and the two target columns of a training run.
type Schema struct {
	Features             []string
	RegressionTarget     string
	ClassificationTarget string
}

// DefaultSchema is the schema every persisted model is trained against.
func DefaultSchema() Schema {
	return Schema{
		Features:             slices.Clone(Names[:]),
		RegressionTarget:     telemetry.ColSurfaceRoughness,
		ClassificationTarget: telemetry.ColToolWearState,
	}
}

// Required returns the feature columns followed by both targets.
func (s Schema) Required() []string {
	cols := make([]string, 0, len(s.Features)+2)
	cols = append(cols, s.Features...)
	return append(cols, s.RegressionTarget, s.ClassificationTarget)
}

// Slice returns the vector as a slice.
func (v Vector) Slice() []float64 {
	return v[:]
}

// FromRecord extracts the schema features of a record.
func FromRecord(r telemetry.Record) Vector {
	var v Vector
	for i, name := range Names {
		v[i], _ = r.Numeric(name)
	}
	return v
}

// FromSlice copies a slice into a vector. ok is false when the length differs.
func FromSlice(values []float64) (v Vector, ok bool) {
	if len(values) != NumFeatures {
		return v, false
	}
	copy(v[:], values)
	return v, true
}

// FromTelemetry builds a vector from a loosely keyed mapping, applying Defaults
// for absent or non-numeric entries. No name-based reordering happens later.
func FromTelemetry(data map[string]any) Vector {
	var v Vector
	for i, name := range Names {
		v[i] = Defaults[name]
		if raw, ok := data[name]; ok {
			if f, ok := toFloat(raw); ok {
				v[i] = f
			}
		}
	}
	return v
}

func toFloat(raw any) (float64, bool) {
	switch x := raw.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

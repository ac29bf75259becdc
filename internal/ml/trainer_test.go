package ml

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"cnc-twin/internal/features"
	"cnc-twin/internal/synth"
	"cnc-twin/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fixtureOnce    sync.Once
	fixtureRecords []telemetry.Record
	fixtureResult  *TrainingResult
	fixtureErr     error
)

func testTrainerConfig() TrainerConfig {
	cfg := DefaultTrainerConfig()
	cfg.NEstimatorsRegression = 30
	cfg.NEstimatorsClassification = 30
	return cfg
}

// trainedFixture trains once on the seed-42, 2500-row dataset and shares the result.
func trainedFixture(t *testing.T) ([]telemetry.Record, *TrainingResult) {
	t.Helper()
	fixtureOnce.Do(func() {
		fixtureRecords, fixtureErr = synth.Synthesize(synth.Params{
			Rows: 2500, Machines: 2, Operations: 8, Seed: 42,
			Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if fixtureErr != nil {
			return
		}
		fixtureResult, fixtureErr = NewTrainer(testTrainerConfig(), nil).
			Train(telemetry.NewFrame(fixtureRecords), features.DefaultSchema())
	})
	require.NoError(t, fixtureErr)
	return fixtureRecords, fixtureResult
}

func TestTrain_Metrics(t *testing.T) {
	_, result := trainedFixture(t)
	m := result.Metrics

	assert.Equal(t, 2500, m.TotalRows)
	assert.Zero(t, m.DroppedRows)
	assert.Equal(t, 625, m.TestRows)
	assert.Equal(t, 1875, m.TrainRows)

	assert.Greater(t, m.RoughnessR2, 0.5)
	assert.Less(t, m.RoughnessMAE, 0.2)
	assert.Greater(t, m.WearAccuracy, 0.5)
	assert.LessOrEqual(t, m.WearAccuracy, 1.0)

	assert.Len(t, m.RoughnessImportances, features.NumFeatures)
	assert.Contains(t, m.WearImportances, "vibration_x_g")
}

func TestTrain_TrainingRowsPredictedWithinTolerance(t *testing.T) {
	records, result := trainedFixture(t)

	within, sampled := 0, 0
	for i := 0; i < len(records); i += 10 {
		r := records[i]
		got := result.Roughness.Predict(features.FromRecord(r).Slice())
		if math.Abs(got-r.SurfaceRoughness) <= 0.3 {
			within++
		}
		sampled++
	}
	assert.GreaterOrEqual(t, float64(within)/float64(sampled), 0.9)
}

func TestTrain_DoesNotMutateFrame(t *testing.T) {
	records, err := synth.Synthesize(synth.Params{Rows: 60, Machines: 1, Operations: 2, Seed: 1})
	require.NoError(t, err)
	frame := telemetry.NewFrame(records)
	before, _ := frame.Float(telemetry.ColSurfaceRoughness)

	cfg := testTrainerConfig()
	cfg.NEstimatorsRegression, cfg.NEstimatorsClassification = 5, 5
	mock := &MockMetrics{}
	_, err = NewTrainer(cfg, mock).Train(frame, features.DefaultSchema())
	require.NoError(t, err)

	after, _ := frame.Float(telemetry.ColSurfaceRoughness)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, mock.trainingRuns)
}

func TestTrain_MissingColumns(t *testing.T) {
	csvData := "spindle_speed_rpm,feed_rate_mm_min,tool_wear_state\n5000,800,0\n"
	frame, err := telemetry.ReadCSV(strings.NewReader(csvData))
	require.NoError(t, err)

	_, err = NewTrainer(testTrainerConfig(), nil).Train(frame, features.DefaultSchema())
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Contains(t, schemaErr.Missing, telemetry.ColSurfaceRoughness)
	assert.Contains(t, schemaErr.Missing, telemetry.ColVibrationX)
	assert.NotContains(t, schemaErr.Missing, telemetry.ColToolWearState)
	assert.Contains(t, err.Error(), telemetry.ColSurfaceRoughness)
}

func TestTrain_DropsIncompleteRows(t *testing.T) {
	var b strings.Builder
	b.WriteString(strings.Join(features.DefaultSchema().Required(), ","))
	b.WriteString("\n")
	for i := 0; i < 30; i++ {
		row := []string{"5000", "800", "0.5", "0.5", "0.5", "60", "50", "400", "5", "5", "0.5", "0"}
		if i%3 == 0 {
			row[4] = ""
		}
		if i%2 == 0 {
			row[0] = "5100"
			row[10] = "0.9"
			row[11] = "1"
		}
		b.WriteString(strings.Join(row, ","))
		b.WriteString("\n")
	}

	frame, err := telemetry.ReadCSV(strings.NewReader(b.String()))
	require.NoError(t, err)

	cfg := testTrainerConfig()
	cfg.NEstimatorsRegression, cfg.NEstimatorsClassification = 5, 5
	result, err := NewTrainer(cfg, nil).Train(frame, features.DefaultSchema())
	require.NoError(t, err)
	assert.Equal(t, 10, result.Metrics.DroppedRows)
	assert.Equal(t, 20, result.Metrics.TrainRows+result.Metrics.TestRows)
}

func TestTrain_DropsNonFiniteAndInvalidLabels(t *testing.T) {
	required := features.DefaultSchema().Required()
	col := func(name string) int {
		for i, c := range required {
			if c == name {
				return i
			}
		}
		t.Fatalf("column %s not in schema", name)
		return -1
	}

	bad := map[int]func(row []string){
		0: func(row []string) { row[col(telemetry.ColSurfaceRoughness)] = "Inf" },
		1: func(row []string) { row[col(telemetry.ColFeedRate)] = "+Inf" },
		2: func(row []string) { row[col(telemetry.ColVibrationX)] = "-Inf" },
		3: func(row []string) { row[col(telemetry.ColToolWearState)] = "2.7" },
		4: func(row []string) { row[col(telemetry.ColToolWearState)] = "1e9" },
		5: func(row []string) { row[col(telemetry.ColToolWearState)] = "-1" },
		6: func(row []string) { row[col(telemetry.ColSpindleSpeed)] = "NaN" },
	}

	var b strings.Builder
	b.WriteString(strings.Join(required, ","))
	b.WriteString("\n")
	for i := 0; i < 40; i++ {
		row := []string{"5000", "800", "0.5", "0.5", "0.5", "60", "50", "400", "5", "5", "0.5", "0"}
		if i%2 == 0 {
			row[0] = "5100"
			row[10] = "0.9"
			row[11] = "1"
		}
		if corrupt, ok := bad[i]; ok {
			corrupt(row)
		}
		b.WriteString(strings.Join(row, ","))
		b.WriteString("\n")
	}

	frame, err := telemetry.ReadCSV(strings.NewReader(b.String()))
	require.NoError(t, err)

	cfg := testTrainerConfig()
	cfg.NEstimatorsRegression, cfg.NEstimatorsClassification = 5, 5
	result, err := NewTrainer(cfg, nil).Train(frame, features.DefaultSchema())
	require.NoError(t, err)

	assert.Equal(t, len(bad), result.Metrics.DroppedRows)
	assert.Equal(t, 40-len(bad), result.Metrics.TrainRows+result.Metrics.TestRows)
	assert.False(t, math.IsInf(result.Metrics.RoughnessMAE, 0) || math.IsNaN(result.Metrics.RoughnessMAE))
	assert.Equal(t, 2, result.Wear.Classes())

	worn := features.Vector{5100, 800, 0.5, 0.5, 0.5, 60, 50, 400, 5, 5}
	assert.InDelta(t, 0.9, result.Roughness.Predict(worn.Slice()), 1e-9)
}

func TestWearLabel(t *testing.T) {
	tests := []struct {
		in   float64
		want int
		ok   bool
	}{
		{0, 0, true},
		{1, 1, true},
		{2, 2, true},
		{2.7, 0, false},
		{-1, 0, false},
		{3, 0, false},
		{1e9, 0, false},
		{math.Inf(1), 0, false},
	}
	for _, tt := range tests {
		got, ok := wearLabel(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("wearLabel(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTrain_InsufficientData(t *testing.T) {
	records, err := synth.Synthesize(synth.Params{Rows: 9, Machines: 1, Operations: 1, Seed: 1})
	require.NoError(t, err)

	_, err = NewTrainer(testTrainerConfig(), nil).Train(telemetry.NewFrame(records), features.DefaultSchema())
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = NewTrainer(testTrainerConfig(), nil).Train(nil, features.DefaultSchema())
	assert.ErrorIs(t, err, ErrInsufficientData)
}

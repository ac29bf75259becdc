package synth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"cnc-twin/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

var testStart = time.Date(2025, 6, 2, 7, 30, 0, 0, time.UTC)

func mustSynthesize(t *testing.T, p Params) []telemetry.Record {
	t.Helper()
	records, err := Synthesize(p)
	require.NoError(t, err)
	require.Len(t, records, p.Rows)
	return records
}

func TestSynthesize_Deterministic(t *testing.T) {
	p := Params{Rows: 400, Machines: 2, Operations: 8, Seed: 42, Start: testStart}

	a := mustSynthesize(t, p)
	b := mustSynthesize(t, p)
	assert.Equal(t, a, b)

	p.Seed = 43
	c := mustSynthesize(t, p)
	assert.NotEqual(t, a, c)
}

func TestSynthesize_IndependentOfWorkers(t *testing.T) {
	base := Params{Rows: 333, Machines: 3, Operations: 4, Seed: 7, Start: testStart}

	serial := base
	serial.Workers = 1
	parallel := base
	parallel.Workers = 16

	assert.Equal(t, mustSynthesize(t, serial), mustSynthesize(t, parallel))
}

func TestSynthesize_InvalidParams(t *testing.T) {
	tests := []struct {
		name  string
		p     Params
		field string
	}{
		{"zero rows", Params{Rows: 0, Machines: 1, Operations: 1}, "rows"},
		{"negative machines", Params{Rows: 10, Machines: -1, Operations: 1}, "machines"},
		{"zero operations", Params{Rows: 10, Machines: 1, Operations: 0}, "operations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Synthesize(tt.p)
			require.Error(t, err)
			assert.Nil(t, records)

			var perr *ParamError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.field, perr.Field)
		})
	}
}

func TestSynthesize_Bounds(t *testing.T) {
	records := mustSynthesize(t, Params{Rows: 3000, Machines: 4, Operations: 8, Seed: 11, Start: testStart})
	frame := telemetry.NewFrame(records)

	for col, bounds := range telemetry.Bounds {
		values, ok := frame.Float(col)
		require.True(t, ok, col)
		for i, v := range values {
			if !bounds.Contains(v) {
				t.Fatalf("%s row %d = %v outside [%v, %v]", col, i, v, bounds.Min, bounds.Max)
			}
		}
	}

	for _, r := range records {
		assert.Contains(t, []int{telemetry.WearNew, telemetry.WearMedium, telemetry.WearWorn}, r.ToolWearState)
	}
}

func TestSynthesize_ChatterDerivedFromStoredValues(t *testing.T) {
	records := mustSynthesize(t, Params{Rows: 2500, Machines: 2, Operations: 8, Seed: 42, Start: testStart})

	for i, r := range records {
		want := r.VibrationMagnitude() > 1.2 && r.CuttingForceN > 600
		require.Equal(t, want, r.ChatterDetected, "row %d", i)
		require.Equal(t, want, Chatter(r), "row %d", i)
	}
}

func TestSynthesize_WearTrend(t *testing.T) {
	const rows, deciles = 2500, 10
	records := mustSynthesize(t, Params{Rows: rows, Machines: 2, Operations: 8, Seed: 42, Start: testStart})

	var vib, rough, rul [deciles]float64
	size := rows / deciles
	for d := 0; d < deciles; d++ {
		for _, r := range records[d*size : (d+1)*size] {
			vib[d] += r.VibrationMagnitude()
			rough[d] += r.SurfaceRoughness
			rul[d] += r.RULMinutes
		}
		vib[d] /= float64(size)
		rough[d] /= float64(size)
		rul[d] /= float64(size)
	}

	for d := 1; d < deciles; d++ {
		assert.GreaterOrEqual(t, vib[d], vib[d-1], "vibration decile %d", d)
		assert.GreaterOrEqual(t, rough[d], rough[d-1], "roughness decile %d", d)
		assert.LessOrEqual(t, rul[d], rul[d-1], "rul decile %d", d)
	}

	assert.Equal(t, telemetry.WearNew, records[0].ToolWearState)
	assert.Equal(t, telemetry.WearWorn, records[rows-1].ToolWearState)
}

func TestSynthesize_Correlations(t *testing.T) {
	const rows = 2500
	p := Params{Rows: rows, Machines: 2, Operations: 8, Seed: 42, Start: testStart}
	g, err := NewGenerator(p)
	require.NoError(t, err)
	records := g.All()

	column := func(get func(r telemetry.Record) float64) []float64 {
		out := make([]float64, len(records))
		for i, r := range records {
			out[i] = get(r)
		}
		return out
	}
	progress := make([]float64, rows)
	for i := range progress {
		progress[i] = g.Progress(i)
	}

	speed := column(func(r telemetry.Record) float64 { return float64(r.SpindleSpeedRPM) })
	feed := column(func(r telemetry.Record) float64 { return r.FeedRateMMMin })
	force := column(func(r telemetry.Record) float64 { return r.CuttingForceN })
	vib := column(telemetry.Record.VibrationMagnitude)
	power := column(func(r telemetry.Record) float64 { return r.PowerKW })
	spindleTemp := column(func(r telemetry.Record) float64 { return r.SpindleTempC })
	motorTemp := column(func(r telemetry.Record) float64 { return r.MotorTempC })
	rough := column(func(r telemetry.Record) float64 { return r.SurfaceRoughness })
	rul := column(func(r telemetry.Record) float64 { return r.RULMinutes })

	positive := []struct {
		name string
		x, y []float64
	}{
		{"force/feed", force, feed},
		{"force/speed", force, speed},
		{"vibration/force", vib, force},
		{"vibration/progress", vib, progress},
		{"power/speed", power, speed},
		{"spindle temp/power", spindleTemp, power},
		{"spindle temp/speed", spindleTemp, speed},
		{"motor temp/power", motorTemp, power},
		{"motor temp/speed", motorTemp, speed},
		{"roughness/progress", rough, progress},
		{"roughness/vibration", rough, vib},
	}
	for _, c := range positive {
		assert.Positive(t, stat.Correlation(c.x, c.y, nil), c.name)
	}

	assert.Negative(t, stat.Correlation(rul, progress, nil), "rul/progress")
}

func TestSynthesize_SingleMachineThreeOperations(t *testing.T) {
	records := mustSynthesize(t, Params{Rows: 100, Machines: 1, Operations: 3, Seed: 42, Start: testStart})

	ops := make(map[string]int)
	for _, r := range records {
		assert.Equal(t, "CNC-01", r.MachineID)
		ops[r.OperationID]++
	}
	for _, op := range []string{"OP-001", "OP-002", "OP-003"} {
		assert.Positive(t, ops[op], op)
	}
	assert.Len(t, ops, 3)
	assert.Equal(t, "OP-001", records[0].OperationID)
}

func TestSynthesize_IdentifiersAndTimestamps(t *testing.T) {
	records := mustSynthesize(t, Params{Rows: 48, Machines: 3, Operations: 4, Seed: 5, Start: testStart})

	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("CNC-%02d", i%3+1), r.MachineID)
		assert.Equal(t, testStart.Add(time.Duration(i)*time.Second), r.Timestamp)
	}
	// step = 48/(4*3) = 4
	assert.Equal(t, "OP-001", records[3].OperationID)
	assert.Equal(t, "OP-002", records[4].OperationID)
	assert.Equal(t, "OP-001", records[16].OperationID)
}

func TestNewGenerator_DefaultStart(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Second)
	g, err := NewGenerator(Params{Rows: 1, Machines: 1, Operations: 1})
	require.NoError(t, err)

	assert.Equal(t, time.UTC, g.Start().Location())
	assert.Zero(t, g.Start().Nanosecond())
	assert.False(t, g.Start().Before(before))
	assert.Equal(t, 0.0, g.Progress(0))
}

func TestGenerator_RowMatchesSynthesize(t *testing.T) {
	p := Params{Rows: 50, Machines: 2, Operations: 2, Seed: 99, Start: testStart}
	g, err := NewGenerator(p)
	require.NoError(t, err)

	records := mustSynthesize(t, p)
	assert.Equal(t, records[37], g.Row(37))
	assert.InDelta(t, 37.0/49.0, g.Progress(37), 1e-12)
}

func TestIsChatter(t *testing.T) {
	assert.True(t, IsChatter(1.21, 600.1))
	assert.False(t, IsChatter(1.2, 700))
	assert.False(t, IsChatter(2.0, 600))
}

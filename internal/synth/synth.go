// Package synth generates deterministic synthetic CNC telemetry.
//
// Every derived quantity is causally downstream of a hidden wear progress value that
// grows linearly with the row index:
//
//	wear progress → cutting force ← (feed, speed) → vibration ← (wear, force)
//	             → {roughness, acoustic emission, RUL}; chatter ← (|vibration|, force)
//
// Each row draws from its own PCG stream keyed by (seed, row index), so rows can be
// produced in parallel and the output is identical for identical parameters.
package synth

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"cnc-twin/internal/telemetry"

	"gonum.org/v1/gonum/stat/distuv"
)

// Wear state cut points on the noisy wear score.
const (
	MediumWearCut = 0.33
	WornWearCut   = 0.66
)

// Chatter thresholds.
const (
	ChatterVibrationG = 1.2
	ChatterForceN     = 600.0
)

// Params configures a synthesis run.
type Params struct {
	Rows       int
	Machines   int
	Operations int
	Seed       int64
	// Start is the timestamp of row 0; zero means now (UTC).
	Start time.Time
	// Workers bounds row-generation parallelism; zero means GOMAXPROCS.
	Workers int
}

// ParamError reports an invalid synthesis parameter.
type ParamError struct {
	Field string
	Value int
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("synth: %s must be positive, got %d", e.Field, e.Value)
}

// Validate checks the parameters without generating anything.
func (p Params) Validate() error {
	switch {
	case p.Rows <= 0:
		return &ParamError{Field: "rows", Value: p.Rows}
	case p.Machines <= 0:
		return &ParamError{Field: "machines", Value: p.Machines}
	case p.Operations <= 0:
		return &ParamError{Field: "operations", Value: p.Operations}
	}
	return nil
}

// Generator produces rows of one synthesis run on demand.
type Generator struct {
	params Params
	start  time.Time
	step   int
}

// NewGenerator validates params and fixes the start time.
func NewGenerator(p Params) (*Generator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	start := p.Start
	if start.IsZero() {
		start = time.Now()
	}

	return &Generator{
		params: p,
		start:  start.UTC().Truncate(time.Second),
		step:   max(1, p.Rows/(p.Operations*p.Machines)),
	}, nil
}

// Params returns the generator parameters.
func (g *Generator) Params() Params {
	return g.params
}

// Start returns the timestamp of row 0.
func (g *Generator) Start() time.Time {
	return g.start
}

// Progress is the hidden wear progress of row i: i/(rows-1), 0 for a single row.
func (g *Generator) Progress(i int) float64 {
	if g.params.Rows <= 1 {
		return 0
	}
	return float64(i) / float64(g.params.Rows-1)
}

// MachineID returns the round-robin machine label of row i.
func (g *Generator) MachineID(i int) string {
	return fmt.Sprintf("CNC-%02d", i%g.params.Machines+1)
}

// OperationID returns the operation label of row i. The operation advances by one
// every step rows, never on row 0, and wraps around.
func (g *Generator) OperationID(i int) string {
	return fmt.Sprintf("OP-%03d", (i/g.step)%g.params.Operations+1)
}

// Row builds record i. It depends only on the parameters and i.
func (g *Generator) Row(i int) telemetry.Record {
	src := rand.NewPCG(uint64(g.params.Seed), uint64(i))
	return buildRow(src, rowContext{
		ts:          g.start.Add(time.Duration(i) * time.Second),
		machineID:   g.MachineID(i),
		operationID: g.OperationID(i),
		progress:    g.Progress(i),
	})
}

// Synthesize generates params.Rows records in row order. Invalid parameters fail
// before anything is generated.
func Synthesize(p Params) ([]telemetry.Record, error) {
	g, err := NewGenerator(p)
	if err != nil {
		return nil, err
	}
	return g.All(), nil
}

// All generates every row of the run using a bounded worker pool.
func (g *Generator) All() []telemetry.Record {
	rows := g.params.Rows
	records := make([]telemetry.Record, rows)

	workers := g.params.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, rows)
	chunk := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, rows)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				records[i] = g.Row(i)
			}
		}(lo, hi)
	}
	wg.Wait()

	return records
}

type rowContext struct {
	ts          time.Time
	machineID   string
	operationID string
	progress    float64
}

type sampler struct {
	src rand.Source
}

func (s sampler) normal(mu, sigma float64) float64 {
	return distuv.Normal{Mu: mu, Sigma: sigma, Src: s.src}.Rand()
}

func (s sampler) uniform(lo, hi float64) float64 {
	return distuv.Uniform{Min: lo, Max: hi, Src: s.src}.Rand()
}

func clip(col string, v float64) float64 {
	return telemetry.Bounds[col].Clip(v)
}

func buildRow(src rand.Source, rc rowContext) telemetry.Record {
	s := sampler{src: src}
	round := telemetry.Round

	// Process parameters
	speed := int(clip(telemetry.ColSpindleSpeed, float64(int(s.normal(5000, 1200)))))
	feed := clip(telemetry.ColFeedRate, s.normal(800, 250))

	x := round(clip(telemetry.ColXAxisPosition, s.uniform(0, 200)), 3)
	y := round(clip(telemetry.ColYAxisPosition, s.uniform(0, 200)), 3)
	z := round(clip(telemetry.ColZAxisPosition, -s.uniform(0, 20)), 3)

	wear := rc.progress + 0.1*s.uniform(0, 1)
	state := wearState(wear)

	force := clip(telemetry.ColCuttingForce, 0.3*feed+0.02*float64(speed)+s.normal(0, 30))

	vibBase := 0.15 + 0.8*wear + 0.0003*force
	vx := round(clip(telemetry.ColVibrationX, s.normal(vibBase, 0.1)), 4)
	vy := round(clip(telemetry.ColVibrationY, s.normal(vibBase*0.9, 0.1)), 4)
	vz := round(clip(telemetry.ColVibrationZ, s.normal(vibBase*0.7, 0.1)), 4)

	ae := round(clip(telemetry.ColAcousticEmission, 0.02*force+2.0*wear+s.normal(0, 1.5)), 3)
	power := round(clip(telemetry.ColPower, 0.001*float64(speed)+0.0008*force+s.normal(0, 0.15)), 3)

	spindleTemp := round(clip(telemetry.ColSpindleTemp, 25+0.008*float64(speed)+1.8*power+s.normal(0, 1.0)), 2)
	motorTemp := round(clip(telemetry.ColMotorTemp, 25+1.2*power+s.normal(0, 1.2)), 2)

	vibMag := telemetry.VibrationMagnitude(vx, vy, vz)
	roughness := round(clip(telemetry.ColSurfaceRoughness, 0.25+0.6*wear+0.15*vibMag+s.normal(0, 0.05)), 3)

	rul := round(clip(telemetry.ColRUL, 60*(1.0-wear)+s.normal(0, 5)), 2)

	return telemetry.Record{
		Timestamp:        rc.ts,
		MachineID:        rc.machineID,
		OperationID:      rc.operationID,
		SpindleSpeedRPM:  speed,
		FeedRateMMMin:    feed,
		XAxisPosition:    x,
		YAxisPosition:    y,
		ZAxisPosition:    z,
		VibrationXG:      vx,
		VibrationYG:      vy,
		VibrationZG:      vz,
		SpindleTempC:     spindleTemp,
		MotorTempC:       motorTemp,
		CuttingForceN:    force,
		AcousticEmission: ae,
		PowerKW:          power,
		ToolWearState:    state,
		SurfaceRoughness: roughness,
		ChatterDetected:  IsChatter(vibMag, force),
		RULMinutes:       rul,
	}
}

func wearState(score float64) int {
	switch {
	case score < MediumWearCut:
		return telemetry.WearNew
	case score < WornWearCut:
		return telemetry.WearMedium
	default:
		return telemetry.WearWorn
	}
}

// IsChatter applies the chatter rule to a vibration magnitude and cutting force.
func IsChatter(vibMagnitude, forceN float64) bool {
	return vibMagnitude > ChatterVibrationG && forceN > ChatterForceN
}

// Chatter recomputes the chatter flag of a record from its stored fields.
func Chatter(r telemetry.Record) bool {
	return IsChatter(r.VibrationMagnitude(), r.CuttingForceN)
}

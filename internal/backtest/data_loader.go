package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"cnc-twin/internal/features"
	"cnc-twin/internal/storage"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Sample is one labelled row replayed through the predictor.
type Sample struct {
	Timestamp time.Time
	MachineID string
	Features  features.Vector
	Roughness float64 // NaN when unlabelled
	WearState int     // -1 when unlabelled
}

// DataLoader serves samples in time order.
type DataLoader struct {
	data      []Sample
	index     int
	frame     *telemetry.Frame
	skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// NewDataLoader creates an empty data loader.
func NewDataLoader() *DataLoader {
	return &DataLoader{}
}

// LoadFromCSV loads a dataset file.
func (dl *DataLoader) LoadFromCSV(path string) error {
	frame, err := telemetry.ReadCSVFile(path)
	if err != nil {
		return fmt.Errorf("failed to load dataset %s: %w", path, err)
	}
	dl.LoadFrame(frame)
	log.Info().Str("file", path).Int("samples", len(dl.data)).Int("skipped", dl.skipped).Msg("Loaded backtest data from CSV")
	return nil
}

// LoadFromBoltDB loads archived records of the given machines within [start, end].
func (dl *DataLoader) LoadFromBoltDB(store *storage.Store, machines []string, start, end time.Time) error {
	log.Info().
		Time("start", start).
		Time("end", end).
		Strs("machines", machines).
		Msg("Loading data from BoltDB")

	var records []telemetry.Record
	for _, machine := range machines {
		rs, err := store.GetRecords(machine, start, end)
		if err != nil {
			return fmt.Errorf("failed to load records for %s: %w", machine, err)
		}
		records = append(records, rs...)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	dl.LoadFrame(telemetry.NewFrame(records))
	return nil
}

// LoadFrame replaces the loaded data with the rows of f. Rows missing any feature
// are skipped; rows missing a target are kept unlabelled for that target.
func (dl *DataLoader) LoadFrame(f *telemetry.Frame) {
	dl.frame = f
	dl.data = dl.data[:0]
	dl.index = 0
	dl.skipped = 0

	machines, _ := f.Text(telemetry.ColMachineID)
	stamps, _ := f.Text(telemetry.ColTimestamp)

	for i := 0; i < f.Len(); i++ {
		var v features.Vector
		complete := true
		for j, name := range features.Names {
			v[j] = f.Value(name, i)
			if math.IsNaN(v[j]) {
				complete = false
				break
			}
		}
		if !complete {
			dl.skipped++
			continue
		}

		s := Sample{
			Features:  v,
			Roughness: f.Value(telemetry.ColSurfaceRoughness, i),
			WearState: -1,
		}
		if w := f.Value(telemetry.ColToolWearState, i); !math.IsNaN(w) {
			s.WearState = int(w)
		}
		if i < len(machines) {
			s.MachineID = machines[i]
		}
		if i < len(stamps) {
			s.Timestamp, _ = time.Parse(telemetry.TimestampLayout, stamps[i])
		}
		dl.data = append(dl.data, s)
	}

	if len(dl.data) > 0 {
		dl.StartTime = dl.data[0].Timestamp
		dl.EndTime = dl.data[len(dl.data)-1].Timestamp
	}
}

// Frame returns the loaded frame.
func (dl *DataLoader) Frame() *telemetry.Frame {
	return dl.frame
}

// HasNext reports whether samples remain.
func (dl *DataLoader) HasNext() bool {
	return dl.index < len(dl.data)
}

// Next returns the next sample.
func (dl *DataLoader) Next() Sample {
	s := dl.data[dl.index]
	dl.index++
	return s
}

// Reset rewinds to the first sample.
func (dl *DataLoader) Reset() {
	dl.index = 0
}

// Len returns the number of loaded samples.
func (dl *DataLoader) Len() int {
	return len(dl.data)
}

// Skipped returns the number of rows dropped for missing features.
func (dl *DataLoader) Skipped() int {
	return dl.skipped
}

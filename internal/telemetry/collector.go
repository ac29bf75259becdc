package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Collector appends flattened payloads to a CSV file, writing the header
// when the file does not exist yet.
type Collector struct {
	mu   sync.Mutex
	path string
	rows int
}

// NewCollector creates a collector for the given CSV path.
func NewCollector(path string) *Collector {
	return &Collector{path: path}
}

// Path returns the CSV path the collector writes to.
func (c *Collector) Path() string {
	return c.path
}

// Rows returns the number of rows appended by this collector.
func (c *Collector) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Append writes one payload.
func (c *Collector) Append(p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create telemetry directory: %w", err)
	}

	_, err := os.Stat(c.path)
	writeHeader := errors.Is(err, os.ErrNotExist)
	if err != nil && !writeHeader {
		return fmt.Errorf("stat telemetry file: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open telemetry file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(PayloadColumns); err != nil {
			return fmt.Errorf("write telemetry header: %w", err)
		}
	}
	if err := w.Write(p.Flatten()); err != nil {
		return fmt.Errorf("write telemetry row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush telemetry row: %w", err)
	}

	c.rows++
	log.Debug().
		Str("machine_id", p.MachineID).
		Int("spindle_rpm", p.SpindleRPM).
		Float64("spindle_power_w", p.SpindlePower).
		Msg("Saved telemetry")
	return nil
}

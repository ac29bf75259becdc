package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WriteCSV writes records with the dataset header.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(Columns))
	for i, r := range records {
		for j, col := range Columns {
			row[j] = formatField(r, col)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes records to path, creating the parent directory.
func WriteCSVFile(path string, records []Record) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dataset directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset file: %w", err)
	}
	if err := WriteCSV(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatField(r Record, col string) string {
	switch col {
	case ColTimestamp, ColMachineID, ColOperationID:
		return r.text(col)
	case ColSpindleSpeed:
		return strconv.Itoa(r.SpindleSpeedRPM)
	case ColToolWearState:
		return strconv.Itoa(r.ToolWearState)
	case ColChatterDetected:
		return strconv.FormatBool(r.ChatterDetected)
	}
	v, _ := r.Numeric(col)
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ReadCSV parses a dataset with a header row into a Frame.
// Empty, unparseable or non-finite numeric cells become NaN and count as missing.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dataset is empty: missing header")
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	header = trimHeader(header)
	seen := make(map[string]int, len(header))
	for j, col := range header {
		if prev, ok := seen[col]; ok {
			return nil, fmt.Errorf("duplicate header column %q at positions %d and %d", col, prev+1, j+1)
		}
		seen[col] = j
	}

	f := newFrame(header)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}

		for j, col := range f.order {
			cell := ""
			if j < len(rec) {
				cell = strings.TrimSpace(rec[j])
			}
			if stringColumns[col] {
				f.text[col] = append(f.text[col], cell)
			} else {
				f.numeric[col] = append(f.numeric[col], parseCell(cell))
			}
		}
		f.n++
	}

	return f, nil
}

// ReadCSVFile opens and parses a dataset file. A missing file yields an error
// satisfying errors.Is(err, os.ErrNotExist).
func ReadCSVFile(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	f, err := ReadCSV(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func trimHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return out
}

func parseCell(cell string) float64 {
	if cell == "" {
		return math.NaN()
	}
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		if math.IsInf(v, 0) {
			return math.NaN()
		}
		return v
	}
	if b, err := strconv.ParseBool(cell); err == nil {
		if b {
			return 1
		}
		return 0
	}
	return math.NaN()
}

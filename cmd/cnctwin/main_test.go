package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"cnc-twin/internal/ml"
	"cnc-twin/internal/stream"

	"github.com/rs/zerolog"
)

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("2025-06-01", "2025-06-02")
	if err != nil {
		t.Fatalf("parseRange failed: %v", err)
	}
	if !start.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", start)
	}
	if !end.Equal(time.Date(2025, 6, 2, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)) {
		t.Errorf("end should cover the whole day, got %v", end)
	}

	if _, _, err := parseRange("06/01/2025", ""); err == nil {
		t.Error("Expected error for malformed start date")
	}

	start, end, err = parseRange("", "")
	if err != nil || !start.IsZero() || time.Since(end) > time.Minute {
		t.Errorf("empty range should be open ended, got %v..%v (%v)", start, end, err)
	}
}

func TestMachineIDs(t *testing.T) {
	got := machineIDs(3)
	want := []string{"CNC-01", "CNC-02", "CNC-03"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestBuildSinks_Unknown(t *testing.T) {
	if _, _, err := buildSinks([]string{"mqtt"}); err == nil {
		t.Error("Expected error for unknown sink")
	}
	if _, _, err := buildSinks(nil); err == nil {
		t.Error("Expected error for no sinks")
	}
	settings.DataPath = ""
	if _, _, err := buildSinks([]string{stream.SinkArchive}); err == nil {
		t.Error("Expected error for archive sink without a data path")
	}
}

func TestPrintPrediction(t *testing.T) {
	var buf bytes.Buffer
	printPrediction(&buf, ml.Prediction{})
	if !strings.Contains(buf.String(), "Surface Roughness: unavailable") ||
		!strings.Contains(buf.String(), "Tool Wear State: unavailable") {
		t.Errorf("unexpected output for degraded prediction:\n%s", buf.String())
	}

	buf.Reset()
	ra := 0.8123
	printPrediction(&buf, ml.Prediction{SurfaceRoughnessUM: &ra, ToolWear: &ml.WearPrediction{State: 2, Confidence: 0.9}})
	if !strings.Contains(buf.String(), "0.812 µm") || !strings.Contains(buf.String(), "2 (confidence: 90.00%)") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	setupLogging("debug", "json")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("Expected debug level, got %v", zerolog.GlobalLevel())
	}
	setupLogging("verbose", "json")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("Expected fallback to info, got %v", zerolog.GlobalLevel())
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"collect", "evaluate", "generate", "predict", "run", "serve", "simulate", "train", "watch"}
	for _, name := range want {
		if cmd, _, err := rootCmd.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

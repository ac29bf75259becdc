package metrics

import (
	"testing"

	"cnc-twin/internal/ml"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ ml.MetricsInterface = (*MetricsWrapper)(nil)

func newTestWrapper(t *testing.T) (*Metrics, *MetricsWrapper) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)
	return m, NewWrapper(m)
}

func TestNewWrapper(t *testing.T) {
	m, wrapper := newTestWrapper(t)
	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != m {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestMetricsWrapper_PredictionCounters(t *testing.T) {
	m, w := newTestWrapper(t)

	w.MLPredictionsInc("roughness")
	w.MLPredictionsInc("roughness")
	w.MLPredictionsInc("wear")
	w.MLUnavailableInc("wear")

	if v := testutil.ToFloat64(m.MLPredictions.WithLabelValues("roughness")); v != 2 {
		t.Errorf("Expected 2 roughness predictions, got %f", v)
	}
	if v := testutil.ToFloat64(m.MLPredictions.WithLabelValues("wear")); v != 1 {
		t.Errorf("Expected 1 wear prediction, got %f", v)
	}
	if v := testutil.ToFloat64(m.MLUnavailable.WithLabelValues("wear")); v != 1 {
		t.Errorf("Expected 1 unavailable wear prediction, got %f", v)
	}
}

func TestMetricsWrapper_ModelLoaded(t *testing.T) {
	m, w := newTestWrapper(t)

	w.MLModelLoadedSet("roughness", true)
	w.MLModelLoadedSet("wear", false)

	if v := testutil.ToFloat64(m.MLModelLoaded.WithLabelValues("roughness")); v != 1 {
		t.Errorf("Expected roughness loaded gauge 1, got %f", v)
	}
	if v := testutil.ToFloat64(m.MLModelLoaded.WithLabelValues("wear")); v != 0 {
		t.Errorf("Expected wear loaded gauge 0, got %f", v)
	}
}

func TestMetricsWrapper_Training(t *testing.T) {
	m, w := newTestWrapper(t)

	w.MLTrainingObserve(1.5, 0.91, 0.04, 0.87)

	if v := testutil.ToFloat64(m.TrainingRuns); v != 1 {
		t.Errorf("Expected 1 training run, got %f", v)
	}
	if v := testutil.ToFloat64(m.TrainingR2); v != 0.91 {
		t.Errorf("Expected R² 0.91, got %f", v)
	}
	if v := testutil.ToFloat64(m.TrainingAccuracy); v != 0.87 {
		t.Errorf("Expected accuracy 0.87, got %f", v)
	}
}

func TestMetricsWrapper_Histograms(t *testing.T) {
	m, w := newTestWrapper(t)

	w.MLLatencyObserve("wear", 0.0002)
	w.MLConfidenceObserve(0.8)
	w.MLRoughnessObserve(0.6)
	w.RequestObserve("/predict", 0.01)

	if n := testutil.CollectAndCount(m.MLLatency); n != 1 {
		t.Errorf("Expected one latency series, got %d", n)
	}
	if n := testutil.CollectAndCount(m.MLWearConfidence); n != 1 {
		t.Errorf("Expected confidence histogram collected, got %d", n)
	}
	if n := testutil.CollectAndCount(m.RequestDuration); n != 1 {
		t.Errorf("Expected one request series, got %d", n)
	}
}

func TestMetricsWrapper_Telemetry(t *testing.T) {
	m, w := newTestWrapper(t)

	w.RecordsGeneratedAdd(250)
	w.TelemetryCollectedInc("csv")
	w.TelemetryCollectedInc("kafka")
	w.TelemetryCollectedInc("csv")
	w.AlertInc("chatter")
	w.FeedClientsAdd(1)
	w.FeedClientsAdd(1)
	w.FeedClientsAdd(-1)
	w.WSReconnectsInc()
	w.ErrorsInc()

	if v := testutil.ToFloat64(m.RecordsGenerated); v != 250 {
		t.Errorf("Expected 250 records generated, got %f", v)
	}
	if v := testutil.ToFloat64(m.TelemetryCollected.WithLabelValues("csv")); v != 2 {
		t.Errorf("Expected 2 csv payloads, got %f", v)
	}
	if v := testutil.ToFloat64(m.AlertsTotal.WithLabelValues("chatter")); v != 1 {
		t.Errorf("Expected 1 chatter alert, got %f", v)
	}
	if v := testutil.ToFloat64(m.FeedClients); v != 1 {
		t.Errorf("Expected 1 feed client, got %f", v)
	}
	if v := testutil.ToFloat64(m.WSReconnects); v != 1 {
		t.Errorf("Expected 1 reconnect, got %f", v)
	}
	if v := testutil.ToFloat64(m.ErrorsTotal); v != 1 {
		t.Errorf("Expected 1 error, got %f", v)
	}
}

func TestMetricsWrapper_NilSafe(t *testing.T) {
	var w *MetricsWrapper
	w.MLPredictionsInc("roughness")
	w.MLTrainingObserve(1, 1, 1, 1)

	empty := NewWrapper(nil)
	empty.ErrorsInc()
	empty.FeedClientsAdd(1)
}

package metrics

// MetricsWrapper adapts Metrics to the narrow interfaces used by the
// predictor, the trainer, the telemetry sinks and the server. A nil wrapper
// or a wrapper around nil metrics is a no-op.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) ok() bool {
	return w != nil && w.m != nil
}

func (w *MetricsWrapper) MLPredictionsInc(model string) {
	if w.ok() {
		w.m.MLPredictions.WithLabelValues(model).Inc()
	}
}

func (w *MetricsWrapper) MLUnavailableInc(model string) {
	if w.ok() {
		w.m.MLUnavailable.WithLabelValues(model).Inc()
	}
}

func (w *MetricsWrapper) MLLatencyObserve(model string, seconds float64) {
	if w.ok() {
		w.m.MLLatency.WithLabelValues(model).Observe(seconds)
	}
}

func (w *MetricsWrapper) MLConfidenceObserve(v float64) {
	if w.ok() {
		w.m.MLWearConfidence.Observe(v)
	}
}

func (w *MetricsWrapper) MLRoughnessObserve(v float64) {
	if w.ok() {
		w.m.MLRoughness.Observe(v)
	}
}

func (w *MetricsWrapper) MLModelLoadedSet(model string, loaded bool) {
	if w.ok() {
		w.m.SetModelLoaded(model, loaded)
	}
}

func (w *MetricsWrapper) MLTrainingObserve(seconds, r2, mae, accuracy float64) {
	if w.ok() {
		w.m.ObserveTraining(seconds, r2, mae, accuracy)
	}
}

func (w *MetricsWrapper) RecordsGeneratedAdd(n int) {
	if w.ok() {
		w.m.RecordsGenerated.Add(float64(n))
	}
}

func (w *MetricsWrapper) TelemetryCollectedInc(sink string) {
	if w.ok() {
		w.m.TelemetryCollected.WithLabelValues(sink).Inc()
	}
}

func (w *MetricsWrapper) AlertInc(alert string) {
	if w.ok() {
		w.m.AlertsTotal.WithLabelValues(alert).Inc()
	}
}

func (w *MetricsWrapper) FeedClientsAdd(delta float64) {
	if w.ok() {
		w.m.FeedClients.Add(delta)
	}
}

func (w *MetricsWrapper) WSReconnectsInc() {
	if w.ok() {
		w.m.WSReconnects.Inc()
	}
}

func (w *MetricsWrapper) RequestObserve(route string, seconds float64) {
	if w.ok() {
		w.m.RequestDuration.WithLabelValues(route).Observe(seconds)
	}
}

func (w *MetricsWrapper) ErrorsInc() {
	if w.ok() {
		w.m.ErrorsTotal.Inc()
	}
}

// Package metrics provides Prometheus metrics collection for the CNC digital twin.
// It defines the prediction, training, telemetry and live feed metrics exposed
// via the Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label names
const (
	LabelModel = "model"
	LabelSink  = "sink"
	LabelAlert = "alert"
	LabelRoute = "route"
)

// Metrics holds all Prometheus metrics of the service.
type Metrics struct {
	// Prediction metrics
	MLPredictions    *prometheus.CounterVec   // Predictions served, by model
	MLUnavailable    *prometheus.CounterVec   // Predictions refused because the model is not loaded
	MLLatency        *prometheus.HistogramVec // Single-sample inference latency in seconds
	MLWearConfidence prometheus.Histogram     // Distribution of wear prediction confidence
	MLRoughness      prometheus.Histogram     // Distribution of predicted roughness in µm
	MLModelLoaded    *prometheus.GaugeVec     // 1 when the model is loaded, by model

	// Training metrics
	TrainingRuns     prometheus.Counter
	TrainingDuration prometheus.Gauge // Duration of the last training run in seconds
	TrainingR2       prometheus.Gauge
	TrainingMAE      prometheus.Gauge
	TrainingAccuracy prometheus.Gauge

	// Telemetry metrics
	RecordsGenerated   prometheus.Counter     // Synthetic records produced
	TelemetryCollected *prometheus.CounterVec // Payloads written, by sink
	AlertsTotal        *prometheus.CounterVec // Alerts raised on live records, by alert type

	// Live feed and HTTP metrics
	FeedClients     prometheus.Gauge   // Connected websocket feed clients
	WSReconnects    prometheus.Counter // Feed client reconnections
	RequestDuration *prometheus.HistogramVec

	// System metrics
	ErrorsTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		MLPredictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cnc_predictions_total",
			Help: "Total number of model predictions served",
		}, []string{LabelModel}),
		MLUnavailable: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cnc_predictions_unavailable_total",
			Help: "Total number of predictions refused because the model is not loaded",
		}, []string{LabelModel}),
		MLLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cnc_prediction_latency_seconds",
			Help:    "Single-sample inference latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		}, []string{LabelModel}),
		MLWearConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cnc_wear_confidence",
			Help:    "Distribution of wear prediction confidence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		MLRoughness: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cnc_predicted_roughness_um",
			Help:    "Distribution of predicted surface roughness Ra in µm",
			Buckets: prometheus.LinearBuckets(0.1, 0.2, 15),
		}),
		MLModelLoaded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cnc_model_loaded",
			Help: "Whether the model is loaded (1) or unavailable (0)",
		}, []string{LabelModel}),
		TrainingRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "cnc_training_runs_total",
			Help: "Total number of completed training runs",
		}),
		TrainingDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cnc_training_duration_seconds",
			Help: "Duration of the last training run in seconds",
		}),
		TrainingR2: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cnc_training_roughness_r2",
			Help: "Held-out R² of the last roughness model",
		}),
		TrainingMAE: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cnc_training_roughness_mae_um",
			Help: "Held-out mean absolute error of the last roughness model in µm",
		}),
		TrainingAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cnc_training_wear_accuracy",
			Help: "Held-out accuracy of the last wear model",
		}),
		RecordsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "cnc_records_generated_total",
			Help: "Total number of synthetic telemetry records generated",
		}),
		TelemetryCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cnc_telemetry_collected_total",
			Help: "Total number of telemetry payloads written, by sink",
		}, []string{LabelSink}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cnc_alerts_total",
			Help: "Total number of alerts raised on live records",
		}, []string{LabelAlert}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cnc_feed_clients",
			Help: "Number of connected live feed clients",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "cnc_ws_reconnects_total",
			Help: "Total number of live feed client reconnections",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cnc_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelRoute}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cnc_errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// SetModelLoaded records model availability as 0 or 1.
func (m *Metrics) SetModelLoaded(model string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	m.MLModelLoaded.WithLabelValues(model).Set(v)
}

// ObserveTraining records the outcome of one training run.
func (m *Metrics) ObserveTraining(seconds, r2, mae, accuracy float64) {
	m.TrainingRuns.Inc()
	m.TrainingDuration.Set(seconds)
	m.TrainingR2.Set(r2)
	m.TrainingMAE.Set(mae)
	m.TrainingAccuracy.Set(accuracy)
}

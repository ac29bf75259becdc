package ml

import (
	"errors"
	"sync/atomic"
	"time"

	"cnc-twin/internal/common"
	"cnc-twin/internal/features"

	"github.com/rs/zerolog/log"
)

// ErrModelUnavailable is returned by predictions whose model failed to load.
var ErrModelUnavailable = errors.New("model unavailable")

// MetricsInterface defines metrics methods needed by the trainer and predictor
type MetricsInterface interface {
	MLPredictionsInc(model string)
	MLUnavailableInc(model string)
	MLLatencyObserve(model string, seconds float64)
	MLConfidenceObserve(float64)
	MLRoughnessObserve(float64)
	MLModelLoadedSet(model string, loaded bool)
	MLTrainingObserve(seconds, r2, mae, accuracy float64)
}

// WearPrediction is the predicted wear state and the probability of that state.
// Confidence is not accuracy: it is the classifier's belief in its own answer.
type WearPrediction struct {
	State      int     `json:"wear_state"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the response to one live telemetry sample. Fields are nil when
// the corresponding model is unavailable.
type Prediction struct {
	SurfaceRoughnessUM *float64        `json:"surface_roughness_um"`
	ToolWear           *WearPrediction `json:"tool_wear"`
}

// ModelStatus reports which models the predictor serves.
type ModelStatus struct {
	RoughnessLoaded bool      `json:"roughness_loaded"`
	WearLoaded      bool      `json:"wear_loaded"`
	LoadedAt        time.Time `json:"loaded_at"`
	ModelsDir       string    `json:"models_dir"`
	Predictions     int64     `json:"predictions"`
}

// Healthy reports whether at least one model is loaded.
func (s ModelStatus) Healthy() bool {
	return s.RoughnessLoaded || s.WearLoaded
}

// Predictor serves both models read-only. It is safe for concurrent use once
// NewPredictor returns.
type Predictor struct {
	roughness   Regressor
	wear        Classifier
	loadedAt    time.Time
	modelsDir   string
	predictions atomic.Int64
	metrics     MetricsInterface
}

// NewPredictor loads both models from store once. A model that fails to load is
// logged and left unavailable; the other one is still served.
func NewPredictor(store *ModelStore, metrics MetricsInterface) *Predictor {
	p := &Predictor{
		loadedAt:  time.Now(),
		modelsDir: store.Dir(),
		metrics:   metrics,
	}

	if r, err := store.LoadRegressor(common.ModelRoughness); err != nil {
		logLoadFailure(common.ModelRoughness, err)
	} else {
		p.roughness = r
		log.Info().Str("model", common.ModelRoughness).Int("trees", len(r.Trees)).Msg("Model loaded")
	}

	if c, err := store.LoadClassifier(common.ModelWear); err != nil {
		logLoadFailure(common.ModelWear, err)
	} else {
		p.wear = c
		log.Info().Str("model", common.ModelWear).Int("trees", len(c.Trees)).Msg("Model loaded")
	}

	if metrics != nil {
		metrics.MLModelLoadedSet(common.ModelRoughness, p.roughness != nil)
		metrics.MLModelLoadedSet(common.ModelWear, p.wear != nil)
	}
	return p
}

// NewPredictorWithModels builds a predictor from already fitted models. Either may be nil.
func NewPredictorWithModels(roughness Regressor, wear Classifier, metrics MetricsInterface) *Predictor {
	return &Predictor{
		roughness: roughness,
		wear:      wear,
		loadedAt:  time.Now(),
		metrics:   metrics,
	}
}

func logLoadFailure(name string, err error) {
	if errors.Is(err, ErrModelNotFound) {
		log.Warn().Str("model", name).Msg("Model artifact not found, predictions disabled")
		return
	}
	log.Warn().Err(err).Str("model", name).Msg("Failed to load model, predictions disabled")
}

// PredictRoughness returns the predicted surface roughness Ra in µm.
func (p *Predictor) PredictRoughness(v features.Vector) (float64, error) {
	if p == nil || p.roughness == nil {
		p.unavailable(common.ModelRoughness)
		return 0, ErrModelUnavailable
	}

	start := time.Now()
	ra := p.roughness.Predict(v.Slice())
	p.observe(common.ModelRoughness, start)
	if p.metrics != nil {
		p.metrics.MLRoughnessObserve(ra)
	}
	return ra, nil
}

// PredictWear returns the predicted wear state and its probability.
func (p *Predictor) PredictWear(v features.Vector) (WearPrediction, error) {
	if p == nil || p.wear == nil {
		p.unavailable(common.ModelWear)
		return WearPrediction{}, ErrModelUnavailable
	}

	start := time.Now()
	state, confidence := p.wear.Predict(v.Slice())
	p.observe(common.ModelWear, start)
	if p.metrics != nil {
		p.metrics.MLConfidenceObserve(confidence)
	}
	return WearPrediction{State: state, Confidence: confidence}, nil
}

// PredictFromTelemetry fills defaults for absent keys and runs both models.
func (p *Predictor) PredictFromTelemetry(data map[string]any) Prediction {
	return p.PredictVector(features.FromTelemetry(data))
}

// PredictVector runs both models on a complete feature vector.
func (p *Predictor) PredictVector(v features.Vector) Prediction {
	var out Prediction
	if ra, err := p.PredictRoughness(v); err == nil {
		out.SurfaceRoughnessUM = &ra
	}
	if wp, err := p.PredictWear(v); err == nil {
		out.ToolWear = &wp
	}
	return out
}

// Status reports the loaded models.
func (p *Predictor) Status() ModelStatus {
	if p == nil {
		return ModelStatus{}
	}
	return ModelStatus{
		RoughnessLoaded: p.roughness != nil,
		WearLoaded:      p.wear != nil,
		LoadedAt:        p.loadedAt,
		ModelsDir:       p.modelsDir,
		Predictions:     p.predictions.Load(),
	}
}

// FeatureImportances returns importances keyed by feature name for each loaded model.
func (p *Predictor) FeatureImportances() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	if p == nil {
		return out
	}
	if p.roughness != nil {
		out[common.ModelRoughness] = named(features.Names[:], p.roughness.FeatureImportances())
	}
	if p.wear != nil {
		out[common.ModelWear] = named(features.Names[:], p.wear.FeatureImportances())
	}
	return out
}

func (p *Predictor) observe(model string, start time.Time) {
	p.predictions.Add(1)
	if p.metrics != nil {
		p.metrics.MLPredictionsInc(model)
		p.metrics.MLLatencyObserve(model, time.Since(start).Seconds())
	}
}

func (p *Predictor) unavailable(model string) {
	if p != nil && p.metrics != nil {
		p.metrics.MLUnavailableInc(model)
	}
}

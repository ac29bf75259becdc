// Package ml trains, persists and serves the two predictive-maintenance models:
// a surface roughness regressor and a tool wear classifier, both random forests
// over the fixed feature schema.
//
// Models are fitted once per training run, written to a ModelStore, and loaded
// read-only by a Predictor. A missing artifact degrades the Predictor instead of
// failing it.
package ml

// Model is a fitted, immutable model.
type Model interface {
	// Kind names the model family stored in the artifact.
	Kind() string
	// FeatureImportances are in feature schema order and sum to one.
	FeatureImportances() []float64
}

// Regressor predicts a continuous target.
type Regressor interface {
	Model
	Predict(x []float64) float64
}

// Classifier predicts an ordinal class with a confidence.
type Classifier interface {
	Model
	Classes() int
	PredictProba(x []float64) []float64
	// Predict returns the argmax class and its probability.
	Predict(x []float64) (int, float64)
}

var (
	_ Regressor  = (*RandomForestRegressor)(nil)
	_ Classifier = (*RandomForestClassifier)(nil)
)

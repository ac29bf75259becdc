package ml

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cnc-twin/internal/common"
	"cnc-twin/internal/features"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// ErrInsufficientData is returned when too few complete rows remain to split.
var ErrInsufficientData = errors.New("insufficient training data")

// SchemaError names required columns absent from a dataset.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("dataset is missing required columns: %s", strings.Join(e.Missing, ", "))
}

// TrainerConfig holds the training hyperparameters.
type TrainerConfig struct {
	TestSize                  float64
	RandomState               int64
	NEstimatorsRegression     int
	NEstimatorsClassification int
	// Workers bounds parallel tree fitting; zero means GOMAXPROCS.
	Workers int
}

// DefaultTrainerConfig returns the production hyperparameters.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		TestSize:                  common.DefaultTestSize,
		RandomState:               common.DefaultRandomState,
		NEstimatorsRegression:     common.DefaultNEstimatorsRegression,
		NEstimatorsClassification: common.DefaultNEstimatorsClassification,
	}
}

// TrainingMetrics summarizes one training run on the held-out split.
type TrainingMetrics struct {
	RoughnessR2          float64            `json:"roughness_r2"`
	RoughnessMAE         float64            `json:"roughness_mae"`
	WearAccuracy         float64            `json:"wear_accuracy"`
	TotalRows            int                `json:"total_rows"`
	DroppedRows          int                `json:"dropped_rows"`
	TrainRows            int                `json:"train_rows"`
	TestRows             int                `json:"test_rows"`
	DurationMs           int64              `json:"duration_ms"`
	RoughnessImportances map[string]float64 `json:"roughness_importances"`
	WearImportances      map[string]float64 `json:"wear_importances"`
}

// TrainingResult carries both fitted models and their metrics.
type TrainingResult struct {
	Roughness *RandomForestRegressor
	Wear      *RandomForestClassifier
	Metrics   TrainingMetrics
}

// Save writes both models to the store under their canonical names.
func (r *TrainingResult) Save(store *ModelStore) error {
	if err := store.Save(common.ModelRoughness, r.Roughness); err != nil {
		return err
	}
	return store.Save(common.ModelWear, r.Wear)
}

// Trainer fits the roughness regressor and the wear classifier.
type Trainer struct {
	cfg     TrainerConfig
	metrics MetricsInterface
}

// NewTrainer creates a trainer. metrics may be nil.
func NewTrainer(cfg TrainerConfig, metrics MetricsInterface) *Trainer {
	return &Trainer{cfg: cfg, metrics: metrics}
}

type trainingSet struct {
	x         [][]float64
	roughness []float64
	wear      []int
	dropped   int
}

// Train fits both models on the complete rows of frame. The frame is not modified.
func (t *Trainer) Train(frame *telemetry.Frame, schema features.Schema) (*TrainingResult, error) {
	start := time.Now()

	data, err := extract(frame, schema)
	if err != nil {
		return nil, err
	}
	n := len(data.x)
	if n < common.MinTrainingRows {
		return nil, fmt.Errorf("%w: %d usable rows after dropping %d incomplete, need %d",
			ErrInsufficientData, n, data.dropped, common.MinTrainingRows)
	}
	if data.dropped > 0 {
		log.Warn().Int("dropped", data.dropped).Int("remaining", n).Msg("Dropped incomplete rows before training")
	}

	trainIdx, testIdx := TrainTestSplit(n, t.cfg.TestSize, t.cfg.RandomState)
	if len(trainIdx) == 0 || len(testIdx) < 2 {
		return nil, fmt.Errorf("%w: split of %d rows with test size %.2f is degenerate",
			ErrInsufficientData, n, t.cfg.TestSize)
	}

	xTrain, xTest := pick(data.x, trainIdx), pick(data.x, testIdx)

	log.Info().Int("train_rows", len(trainIdx)).Int("trees", t.cfg.NEstimatorsRegression).Msg("Training surface roughness model")
	roughness, err := FitRegressor(xTrain, pick(data.roughness, trainIdx), ForestConfig{
		NEstimators: t.cfg.NEstimatorsRegression,
		Seed:        t.cfg.RandomState,
		Workers:     t.cfg.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("fit roughness model: %w", err)
	}

	yTest := pick(data.roughness, testIdx)
	predicted := make([]float64, len(xTest))
	for i, x := range xTest {
		predicted[i] = roughness.Predict(x)
	}
	r2, mae := RSquared(predicted, yTest), MeanAbsoluteError(predicted, yTest)
	log.Info().Float64("r2", r2).Float64("mae_um", mae).Msg("Roughness model trained")

	log.Info().Int("train_rows", len(trainIdx)).Int("trees", t.cfg.NEstimatorsClassification).Msg("Training tool wear model")
	wear, err := FitClassifier(xTrain, pick(data.wear, trainIdx), ForestConfig{
		NEstimators: t.cfg.NEstimatorsClassification,
		Seed:        t.cfg.RandomState,
		Workers:     t.cfg.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("fit wear model: %w", err)
	}

	labels := make([]int, len(xTest))
	for i, x := range xTest {
		labels[i], _ = wear.Predict(x)
	}
	acc := Accuracy(labels, pick(data.wear, testIdx))
	log.Info().Float64("accuracy", acc).Msg("Wear model trained")

	elapsed := time.Since(start)
	if t.metrics != nil {
		t.metrics.MLTrainingObserve(elapsed.Seconds(), r2, mae, acc)
	}

	return &TrainingResult{
		Roughness: roughness,
		Wear:      wear,
		Metrics: TrainingMetrics{
			RoughnessR2:          r2,
			RoughnessMAE:         mae,
			WearAccuracy:         acc,
			TotalRows:            frame.Len(),
			DroppedRows:          data.dropped,
			TrainRows:            len(trainIdx),
			TestRows:             len(testIdx),
			DurationMs:           elapsed.Milliseconds(),
			RoughnessImportances: named(schema.Features, roughness.FeatureImportances()),
			WearImportances:      named(schema.Features, wear.FeatureImportances()),
		},
	}, nil
}

func extract(frame *telemetry.Frame, schema features.Schema) (*trainingSet, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: no dataset", ErrInsufficientData)
	}
	if len(schema.Features) == 0 {
		return nil, errors.New("schema has no feature columns")
	}

	required := schema.Required()
	columns := make([][]float64, len(required))
	var missing []string
	for i, col := range required {
		values, ok := frame.Float(col)
		if !ok {
			missing = append(missing, col)
			continue
		}
		columns[i] = values
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}

	nf := len(schema.Features)
	data := &trainingSet{}
rows:
	for r := 0; r < frame.Len(); r++ {
		for _, col := range columns {
			if math.IsNaN(col[r]) || math.IsInf(col[r], 0) {
				data.dropped++
				continue rows
			}
		}
		label, ok := wearLabel(columns[nf+1][r])
		if !ok {
			data.dropped++
			continue
		}
		x := make([]float64, nf)
		for i := range x {
			x[i] = columns[i][r]
		}
		data.x = append(data.x, x)
		data.roughness = append(data.roughness, columns[nf][r])
		data.wear = append(data.wear, label)
	}
	return data, nil
}

// wearLabel accepts whole-number wear states in [WearNew, WearWorn].
func wearLabel(v float64) (int, bool) {
	if v != math.Trunc(v) || v < telemetry.WearNew || v > telemetry.WearWorn {
		return 0, false
	}
	return int(v), true
}

func pick[T any](values []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}

func named(names []string, values []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		if i < len(values) {
			out[name] = values[i]
		}
	}
	return out
}

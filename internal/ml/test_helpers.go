package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu           sync.Mutex
	predictions  map[string]int
	unavailable  map[string]int
	latencySum   float64
	confidences  []float64
	roughness    []float64
	loaded       map[string]bool
	trainingRuns int
	lastAccuracy float64
}

func (m *MockMetrics) init() {
	if m.predictions == nil {
		m.predictions = make(map[string]int)
		m.unavailable = make(map[string]int)
		m.loaded = make(map[string]bool)
	}
}

func (m *MockMetrics) MLPredictionsInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.predictions[model]++
}

func (m *MockMetrics) MLUnavailableInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.unavailable[model]++
}

func (m *MockMetrics) MLLatencyObserve(_ string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) MLConfidenceObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confidences = append(m.confidences, v)
}

func (m *MockMetrics) MLRoughnessObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roughness = append(m.roughness, v)
}

func (m *MockMetrics) MLModelLoadedSet(model string, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.loaded[model] = loaded
}

func (m *MockMetrics) MLTrainingObserve(_, _, _, accuracy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingRuns++
	m.lastAccuracy = accuracy
}

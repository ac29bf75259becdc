package ml

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RSquared is the coefficient of determination of predictions against actual values.
// It is NaN for fewer than two values.
func RSquared(predicted, actual []float64) float64 {
	if len(actual) < 2 || len(predicted) != len(actual) {
		return math.NaN()
	}
	return stat.RSquaredFrom(predicted, actual, nil)
}

// MeanAbsoluteError of predictions against actual values; NaN when empty.
func MeanAbsoluteError(predicted, actual []float64) float64 {
	if len(actual) == 0 || len(predicted) != len(actual) {
		return math.NaN()
	}
	return floats.Distance(predicted, actual, 1) / float64(len(actual))
}

// Accuracy is the share of exact label matches; NaN when empty.
func Accuracy(predicted, actual []int) float64 {
	if len(actual) == 0 || len(predicted) != len(actual) {
		return math.NaN()
	}
	hits := 0
	for i := range actual {
		if predicted[i] == actual[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(actual))
}

// TrainTestSplit shuffles [0, n) with a seeded permutation and holds out
// ceil(n*testSize) indices for testing.
func TrainTestSplit(n int, testSize float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewPCG(uint64(seed), 0)).Perm(n)
	nTest := int(math.Ceil(float64(n) * testSize))
	nTest = min(max(nTest, 0), n)
	return perm[nTest:], perm[:nTest]
}

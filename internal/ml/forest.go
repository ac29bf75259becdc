package ml

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Forest kinds stored in artifacts.
const (
	KindRegressor  = "random_forest_regressor"
	KindClassifier = "random_forest_classifier"
)

const leaf = -1

// Node is one flattened tree node. Leaves have Feature == -1 and carry Value:
// the mean target for regression, class frequencies for classification.
type Node struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t"`
	Left      int       `json:"l"`
	Right     int       `json:"r"`
	Value     []float64 `json:"v,omitempty"`
}

// Tree is a fitted CART tree. Samples go left when x[Feature] <= Threshold.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) leafFor(x []float64) []float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature == leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Depth returns the number of edges on the longest root-to-leaf path.
func (t *Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Feature == leaf {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}

// Forest is the serializable state shared by both forest models.
type Forest struct {
	NFeatures   int       `json:"n_features"`
	NClasses    int       `json:"n_classes,omitempty"`
	Importances []float64 `json:"importances"`
	Trees       []Tree    `json:"trees"`
}

// validate checks the structure prediction relies on. width is the leaf
// value length: 1 for regression, NClasses for classification.
func (f *Forest) validate(width int) error {
	if f.NFeatures <= 0 {
		return fmt.Errorf("invalid feature count %d", f.NFeatures)
	}
	if width <= 0 {
		return fmt.Errorf("invalid leaf width %d", width)
	}
	if len(f.Importances) != f.NFeatures {
		return fmt.Errorf("%d importances for %d features", len(f.Importances), f.NFeatures)
	}
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for t := range f.Trees {
		if err := f.Trees[t].validate(f.NFeatures, width); err != nil {
			return fmt.Errorf("tree %d: %w", t, err)
		}
	}
	return nil
}

// validate requires nodes in preorder: children always follow their parent,
// which also rules out cycles.
func (t *Tree) validate(nFeatures, width int) error {
	if len(t.Nodes) == 0 {
		return errors.New("no nodes")
	}
	n := len(t.Nodes)
	for i, node := range t.Nodes {
		if node.Feature == leaf {
			if len(node.Value) != width {
				return fmt.Errorf("leaf %d has %d values, want %d", i, len(node.Value), width)
			}
			continue
		}
		if node.Feature < 0 || node.Feature >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, node.Feature, nFeatures)
		}
		if node.Left <= i || node.Left >= n || node.Right <= i || node.Right >= n {
			return fmt.Errorf("node %d has children %d/%d outside (%d, %d)", i, node.Left, node.Right, i, n)
		}
	}
	return nil
}

// ForestConfig controls forest fitting.
type ForestConfig struct {
	NEstimators int
	// MaxDepth of zero grows trees until leaves are pure.
	MaxDepth       int
	MinSamplesLeaf int
	// MaxFeatures considered per split. Zero picks all features for regression
	// and floor(sqrt(p)) for classification.
	MaxFeatures int
	Seed        int64
	// Workers bounds parallel tree fitting; zero means GOMAXPROCS.
	Workers int
}

var (
	errEmptyTrainingSet = errors.New("empty training set")
	errNoEstimators     = errors.New("n_estimators must be positive")
)

func (c ForestConfig) normalized(nFeatures int, classification bool) (ForestConfig, error) {
	if c.NEstimators <= 0 {
		return c, errNoEstimators
	}
	if c.MinSamplesLeaf <= 0 {
		c.MinSamplesLeaf = 1
	}
	if c.MaxFeatures <= 0 || c.MaxFeatures > nFeatures {
		c.MaxFeatures = nFeatures
		if classification {
			c.MaxFeatures = max(1, int(math.Sqrt(float64(nFeatures))))
		}
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c, nil
}

func checkMatrix(x [][]float64, n int) (int, error) {
	if len(x) == 0 {
		return 0, errEmptyTrainingSet
	}
	if len(x) != n {
		return 0, fmt.Errorf("feature rows (%d) and targets (%d) differ", len(x), n)
	}
	p := len(x[0])
	if p == 0 {
		return 0, errors.New("no features")
	}
	for i, row := range x {
		if len(row) != p {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), p)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("row %d has a non-finite feature", i)
			}
		}
	}
	return p, nil
}

// RandomForestRegressor averages the leaf means of bootstrapped variance-split trees.
type RandomForestRegressor struct {
	Forest
}

// FitRegressor fits a regression forest.
func FitRegressor(x [][]float64, y []float64, cfg ForestConfig) (*RandomForestRegressor, error) {
	p, err := checkMatrix(x, len(y))
	if err != nil {
		return nil, err
	}
	cfg, err = cfg.normalized(p, false)
	if err != nil {
		return nil, err
	}

	f := fitForest(x, cfg, func() criterion { return &varianceCriterion{y: y} })
	return &RandomForestRegressor{Forest: f}, nil
}

// Kind returns KindRegressor.
func (m *RandomForestRegressor) Kind() string { return KindRegressor }

// FeatureImportances returns normalized impurity-decrease importances.
func (m *RandomForestRegressor) FeatureImportances() []float64 {
	return slices.Clone(m.Importances)
}

// Predict returns the forest mean for x.
func (m *RandomForestRegressor) Predict(x []float64) float64 {
	var sum float64
	for i := range m.Trees {
		sum += m.Trees[i].leafFor(x)[0]
	}
	return sum / float64(len(m.Trees))
}

// RandomForestClassifier averages the class frequencies of bootstrapped Gini-split trees.
type RandomForestClassifier struct {
	Forest
}

// FitClassifier fits a classification forest. Labels must lie in [0, k).
func FitClassifier(x [][]float64, y []int, cfg ForestConfig) (*RandomForestClassifier, error) {
	p, err := checkMatrix(x, len(y))
	if err != nil {
		return nil, err
	}
	nClasses := 0
	for i, label := range y {
		if label < 0 {
			return nil, fmt.Errorf("row %d has negative class label %d", i, label)
		}
		nClasses = max(nClasses, label+1)
	}
	cfg, err = cfg.normalized(p, true)
	if err != nil {
		return nil, err
	}

	f := fitForest(x, cfg, func() criterion {
		return &giniCriterion{y: y, left: make([]float64, nClasses), right: make([]float64, nClasses)}
	})
	f.NClasses = nClasses
	return &RandomForestClassifier{Forest: f}, nil
}

// Kind returns KindClassifier.
func (m *RandomForestClassifier) Kind() string { return KindClassifier }

// FeatureImportances returns normalized impurity-decrease importances.
func (m *RandomForestClassifier) FeatureImportances() []float64 {
	return slices.Clone(m.Importances)
}

// Classes returns the number of classes seen during fit.
func (m *RandomForestClassifier) Classes() int { return m.NClasses }

// PredictProba returns the averaged class probabilities for x.
func (m *RandomForestClassifier) PredictProba(x []float64) []float64 {
	proba := make([]float64, m.NClasses)
	for i := range m.Trees {
		floats.Add(proba, m.Trees[i].leafFor(x))
	}
	floats.Scale(1/float64(len(m.Trees)), proba)
	return proba
}

// Predict returns the most probable class and its probability.
// Ties resolve to the lowest class index.
func (m *RandomForestClassifier) Predict(x []float64) (int, float64) {
	proba := m.PredictProba(x)
	best := floats.MaxIdx(proba)
	return best, proba[best]
}

// fitForest grows cfg.NEstimators trees on bootstrap samples. Tree t draws from
// PCG(seed, t), so the result does not depend on scheduling.
func fitForest(x [][]float64, cfg ForestConfig, newCriterion func() criterion) Forest {
	n, p := len(x), len(x[0])
	trees := make([]Tree, cfg.NEstimators)
	perTree := make([][]float64, cfg.NEstimators)

	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	for t := range trees {
		wg.Add(1)
		sem <- struct{}{}
		go func(t int) {
			defer func() {
				<-sem
				wg.Done()
			}()

			rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(t)))
			sample := make([]int, n)
			for i := range sample {
				sample[i] = rng.IntN(n)
			}

			b := &treeBuilder{
				x:          x,
				crit:       newCriterion(),
				cfg:        cfg,
				rng:        rng,
				importance: make([]float64, p),
			}
			b.build(sample, 0)
			trees[t] = Tree{Nodes: b.nodes}
			perTree[t] = normalize(b.importance)
		}(t)
	}
	wg.Wait()

	importances := make([]float64, p)
	for _, imp := range perTree {
		floats.Add(importances, imp)
	}
	return Forest{
		NFeatures:   p,
		Importances: normalize(importances),
		Trees:       trees,
	}
}

func normalize(v []float64) []float64 {
	if s := floats.Sum(v); s > 0 {
		floats.Scale(1/s, v)
	}
	return v
}

// criterion scores candidate splits. Costs are impurity weighted by sample count,
// so a split's decrease is nodeCost(parent) minus the returned child cost.
type criterion interface {
	leafValue(idx []int) []float64
	pure(idx []int) bool
	nodeCost(idx []int) float64
	// scan finds the cheapest threshold along sorted, which is ordered by feature f.
	scan(sorted []int, x [][]float64, f, minLeaf int) (threshold, cost float64, ok bool)
}

type treeBuilder struct {
	x          [][]float64
	crit       criterion
	cfg        ForestConfig
	rng        *rand.Rand
	nodes      []Node
	importance []float64
	order      []int
}

func (b *treeBuilder) build(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: leaf})

	if len(idx) < 2*b.cfg.MinSamplesLeaf ||
		(b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth) ||
		b.crit.pure(idx) {
		b.nodes[id].Value = b.crit.leafValue(idx)
		return id
	}

	feature, threshold, cost, ok := b.bestSplit(idx)
	if !ok {
		b.nodes[id].Value = b.crit.leafValue(idx)
		return id
	}
	b.importance[feature] += max(0, b.crit.nodeCost(idx)-cost)

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return id
}

// bestSplit visits features in random order and stops once MaxFeatures
// non-constant features were scored and a valid split exists.
func (b *treeBuilder) bestSplit(idx []int) (feature int, threshold, cost float64, ok bool) {
	cost = math.Inf(1)
	scored := 0
	for _, f := range b.rng.Perm(len(b.x[0])) {
		if scored >= b.cfg.MaxFeatures && ok {
			break
		}

		b.order = append(b.order[:0], idx...)
		slices.SortFunc(b.order, func(i, j int) int {
			return cmp.Compare(b.x[i][f], b.x[j][f])
		})
		if b.x[b.order[0]][f] == b.x[b.order[len(b.order)-1]][f] {
			continue
		}
		scored++

		t, c, found := b.crit.scan(b.order, b.x, f, b.cfg.MinSamplesLeaf)
		if found && c < cost {
			feature, threshold, cost, ok = f, t, c, true
		}
	}
	return feature, threshold, cost, ok
}

// midpoint returns a threshold t with a <= t < b.
func midpoint(a, b float64) float64 {
	t := a + (b-a)/2
	if t >= b {
		return a
	}
	return t
}

type varianceCriterion struct {
	y []float64
}

func (c *varianceCriterion) sums(idx []int) (sum, sq float64) {
	for _, i := range idx {
		sum += c.y[i]
		sq += c.y[i] * c.y[i]
	}
	return sum, sq
}

func (c *varianceCriterion) leafValue(idx []int) []float64 {
	sum, _ := c.sums(idx)
	return []float64{sum / float64(len(idx))}
}

func (c *varianceCriterion) pure(idx []int) bool {
	first := c.y[idx[0]]
	for _, i := range idx[1:] {
		if c.y[i] != first {
			return false
		}
	}
	return true
}

func (c *varianceCriterion) nodeCost(idx []int) float64 {
	sum, sq := c.sums(idx)
	return sq - sum*sum/float64(len(idx))
}

func (c *varianceCriterion) scan(sorted []int, x [][]float64, f, minLeaf int) (threshold, cost float64, ok bool) {
	n := len(sorted)
	sum, sq := c.sums(sorted)
	cost = math.Inf(1)

	var ls, lq float64
	for k := 0; k < n-1; k++ {
		y := c.y[sorted[k]]
		ls += y
		lq += y * y

		nl, nr := k+1, n-k-1
		if nr < minLeaf {
			break
		}
		a, b := x[sorted[k]][f], x[sorted[k+1]][f]
		if nl < minLeaf || a == b {
			continue
		}

		rs, rq := sum-ls, sq-lq
		split := (lq - ls*ls/float64(nl)) + (rq - rs*rs/float64(nr))
		if split < cost {
			threshold, cost, ok = midpoint(a, b), split, true
		}
	}
	return threshold, cost, ok
}

type giniCriterion struct {
	y           []int
	left, right []float64
}

func (c *giniCriterion) counts(idx []int, into []float64) {
	clear(into)
	for _, i := range idx {
		into[c.y[i]]++
	}
}

func (c *giniCriterion) leafValue(idx []int) []float64 {
	value := make([]float64, len(c.left))
	c.counts(idx, value)
	floats.Scale(1/float64(len(idx)), value)
	return value
}

func (c *giniCriterion) pure(idx []int) bool {
	first := c.y[idx[0]]
	for _, i := range idx[1:] {
		if c.y[i] != first {
			return false
		}
	}
	return true
}

func (c *giniCriterion) nodeCost(idx []int) float64 {
	c.counts(idx, c.right)
	n := float64(len(idx))
	return n - floats.Dot(c.right, c.right)/n
}

func (c *giniCriterion) scan(sorted []int, x [][]float64, f, minLeaf int) (threshold, cost float64, ok bool) {
	n := len(sorted)
	clear(c.left)
	c.counts(sorted, c.right)
	sqL, sqR := 0.0, floats.Dot(c.right, c.right)
	cost = math.Inf(1)

	for k := 0; k < n-1; k++ {
		label := c.y[sorted[k]]
		sqL += 2*c.left[label] + 1
		c.left[label]++
		sqR -= 2*c.right[label] - 1
		c.right[label]--

		nl, nr := float64(k+1), float64(n-k-1)
		if n-k-1 < minLeaf {
			break
		}
		a, b := x[sorted[k]][f], x[sorted[k+1]][f]
		if k+1 < minLeaf || a == b {
			continue
		}

		split := (nl - sqL/nl) + (nr - sqR/nr)
		if split < cost {
			threshold, cost, ok = midpoint(a, b), split, true
		}
	}
	return threshold, cost, ok
}

// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

// Kind is the bundle kind under which isolation forests are registered.
const Kind = "iforest"

// Errors returned by the forest.
var (
	ErrNotTrained   = errors.New("model not trained")
	ErrEmptyData    = errors.New("empty training data")
	ErrFeatureCount = errors.New("feature count mismatch")
)

func init() {
	detectors.Register(Kind, func() detectors.Detector { return New() })
}

var _ detectors.Detector = (*IsolationForest)(nil)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	nTrees        int
	sampleSize    int
	contamination float64
	rng           *rand.Rand

	m       model
	trained bool
}

// model is the persisted part of a forest. Every field is exported so gob
// can encode it.
type model struct {
	NFeatures     int
	Threshold     float64
	AvgPathLength float64
	MaxDepth      int
	Trees         []tree
}

// tree stores its nodes in a flat slice. Nodes[0] is the root.
type tree struct {
	Nodes []node
}

// node is an internal split when Left >= 0, otherwise a leaf holding Size
// training samples.
type node struct {
	Feature int
	Split   float64
	Left    int32
	Right   int32
	Size    int
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		rng:           rand.New(rand.NewSource(42)),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.nTrees < 1 {
		f.nTrees = 1
	}
	if f.sampleSize < 2 {
		f.sampleSize = 2
	}
	f.m.Threshold = 0.5
	return f
}

// Fit trains the forest. All rows must have the same width, which later
// predictions are checked against.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return ErrEmptyData
	}
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return fmt.Errorf("%w: rows have no features", ErrFeatureCount)
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrFeatureCount, i, len(row), nFeatures)
		}
	}

	sampleSize := min(f.sampleSize, len(data))
	m := model{
		NFeatures:     nFeatures,
		Threshold:     f.m.Threshold,
		AvgPathLength: averagePathLength(float64(sampleSize)),
		MaxDepth:      int(math.Ceil(math.Log2(float64(max(sampleSize, 2))))),
		Trees:         make([]tree, f.nTrees),
	}

	for i := range m.Trees {
		indices := f.rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		b := builder{rng: f.rng, nFeatures: nFeatures, maxDepth: m.MaxDepth}
		b.build(sample, 0)
		m.Trees[i] = tree{Nodes: b.nodes}
	}

	f.m = m
	f.trained = true

	if f.contamination > 0 {
		scores := f.predict(data)
		f.m.Threshold = percentile(scores, 100*(1-f.contamination))
	}
	return nil
}

type builder struct {
	rng       *rand.Rand
	nFeatures int
	maxDepth  int
	nodes     []node
}

// build appends the subtree for data and returns its index.
func (b *builder) build(data [][]float64, depth int) int32 {
	idx := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Size: len(data)})

	if depth >= b.maxDepth || len(data) <= 1 {
		return idx
	}

	feature := b.rng.Intn(b.nFeatures)
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		minVal = math.Min(minVal, row[feature])
		maxVal = math.Max(maxVal, row[feature])
	}
	if minVal == maxVal {
		return idx
	}

	split := minVal + b.rng.Float64()*(maxVal-minVal)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx] = node{Feature: feature, Split: split, Left: l, Right: r}
	return idx
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}
	for i, sample := range data {
		if len(sample) != f.m.NFeatures {
			return nil, fmt.Errorf("%w: sample %d has %d features, want %d", ErrFeatureCount, i, len(sample), f.m.NFeatures)
		}
	}
	return f.predict(data), nil
}

func (f *IsolationForest) predict(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.score(sample)
	}
	return scores
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, ErrNotTrained
	}
	if len(sample) != f.m.NFeatures {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(sample), f.m.NFeatures)
	}
	return f.score(sample), nil
}

// score is 2^(-E[h(x)]/c(n)); higher is more anomalous.
func (f *IsolationForest) score(sample []float64) float64 {
	if f.m.AvgPathLength == 0 {
		return 0.5
	}
	var total float64
	for i := range f.m.Trees {
		total += pathLength(sample, f.m.Trees[i].Nodes)
	}
	avg := total / float64(len(f.m.Trees))
	return math.Pow(2, -avg/f.m.AvgPathLength)
}

func pathLength(sample []float64, nodes []node) float64 {
	var depth float64
	i := int32(0)
	for nodes[i].Left >= 0 {
		n := nodes[i]
		if sample[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
	return depth + averagePathLength(float64(nodes[i].Size))
}

// averagePathLength is c(n) = 2H(n-1) - 2(n-1)/n, the average path length
// of an unsuccessful BST search.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.m); err != nil {
		return nil, fmt.Errorf("encode forest: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var m model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}
	if len(m.Trees) == 0 || m.NFeatures < 1 {
		return errors.New("decode forest: empty model")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = m
	f.nTrees = len(m.Trees)
	f.trained = true
	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m.Threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m.Threshold = t
}

// NumFeatures returns the width the forest was fitted on, 0 before Fit.
func (f *IsolationForest) NumFeatures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m.NFeatures
}

func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

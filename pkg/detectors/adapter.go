package detectors

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrSchemaMismatch is returned when a vector does not follow the layout the
// classifier was trained on.
var ErrSchemaMismatch = errors.New("feature schema mismatch")

// SchemaMismatchError describes how two feature layouts differ.
type SchemaMismatchError struct {
	// ExpectedLen is the width the classifier was trained on.
	ExpectedLen int
	// GotLen is the width that was supplied.
	GotLen int
	// Position is the first index whose names differ, or -1.
	Position int
	Expected string
	Got      string
}

func (e *SchemaMismatchError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("feature schema mismatch: feature %d is %q, model expects %q", e.Position, e.Got, e.Expected)
	}
	return fmt.Sprintf("feature schema mismatch: got %d features, model expects %d", e.GotLen, e.ExpectedLen)
}

// Unwrap lets errors.Is match ErrSchemaMismatch.
func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

// Prediction is a normalized classifier output.
type Prediction struct {
	Label        string
	Confidence   float64
	Distribution map[string]float64
}

// Adapter invokes a Classifier after checking vectors against the feature
// names the classifier was trained with.
type Adapter struct {
	c     Classifier
	dist  DistributionPredictor
	names []string
}

// NewAdapter binds c to the names it was trained on. It fails when those
// names do not match the assembled layout in length or order.
func NewAdapter(c Classifier, trained, assembled []string) (*Adapter, error) {
	if c == nil {
		return nil, errors.New("nil classifier")
	}
	if err := compareSchemas(trained, assembled); err != nil {
		return nil, err
	}
	a := &Adapter{c: c, names: slices.Clone(trained)}
	a.dist, _ = c.(DistributionPredictor)
	return a, nil
}

func compareSchemas(trained, assembled []string) error {
	for i := 0; i < min(len(trained), len(assembled)); i++ {
		if trained[i] != assembled[i] {
			return &SchemaMismatchError{
				ExpectedLen: len(trained),
				GotLen:      len(assembled),
				Position:    i,
				Expected:    trained[i],
				Got:         assembled[i],
			}
		}
	}
	if len(trained) != len(assembled) {
		return &SchemaMismatchError{ExpectedLen: len(trained), GotLen: len(assembled), Position: -1}
	}
	return nil
}

// FeatureNames returns the names the classifier was trained on.
func (a *Adapter) FeatureNames() []string {
	return a.names
}

// Score classifies v. A vector of the wrong width returns a
// *SchemaMismatchError and the classifier is not invoked.
func (a *Adapter) Score(v []float64) (Prediction, error) {
	if len(v) != len(a.names) {
		return Prediction{}, &SchemaMismatchError{ExpectedLen: len(a.names), GotLen: len(v), Position: -1}
	}

	label, err := a.c.Predict(v)
	if err != nil {
		return Prediction{}, fmt.Errorf("classifier predict: %w", err)
	}
	conf, err := a.c.PredictConfidence(v)
	if err != nil {
		return Prediction{}, fmt.Errorf("classifier confidence: %w", err)
	}

	p := Prediction{Label: label, Confidence: clamp01(conf)}
	if a.dist != nil {
		dist, err := a.dist.PredictDistribution(v)
		if err != nil {
			return Prediction{}, fmt.Errorf("classifier distribution: %w", err)
		}
		p.Distribution = dist
	}
	return p, nil
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// Package detectors defines the classifier boundary of the engine: the
// contract a trained model satisfies, the adapter that guards it against
// misaligned feature vectors, and model persistence.
package detectors

// Detector is the common interface for unsupervised anomaly detectors.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns anomaly scores for the given samples.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Thresholder is implemented by detectors that carry a decision threshold.
type Thresholder interface {
	Threshold() float64
}

// Classifier labels a feature vector.
type Classifier interface {
	// Predict returns the predicted label.
	Predict(v []float64) (string, error)

	// PredictConfidence returns the confidence of the predicted label in [0, 1].
	PredictConfidence(v []float64) (float64, error)
}

// DistributionPredictor is optionally implemented by classifiers that
// expose per-class probabilities.
type DistributionPredictor interface {
	PredictDistribution(v []float64) (map[string]float64, error)
}

// Labels produced by AnomalyClassifier.
const (
	LabelBenign  = "benign"
	LabelAnomaly = "anomaly"
)

// DefaultThreshold is the anomaly score cut-off used when a model carries none.
const DefaultThreshold = 0.5

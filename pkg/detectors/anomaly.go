package detectors

import "fmt"

// AnomalyClassifier turns an unsupervised Detector into a Classifier with
// the labels LabelAnomaly and LabelBenign.
type AnomalyClassifier struct {
	det       Detector
	threshold float64
}

// NewAnomalyClassifier labels scores at or above threshold as anomalies.
func NewAnomalyClassifier(det Detector, threshold float64) *AnomalyClassifier {
	return &AnomalyClassifier{det: det, threshold: threshold}
}

// Threshold returns the decision threshold.
func (a *AnomalyClassifier) Threshold() float64 { return a.threshold }

func (a *AnomalyClassifier) decide(v []float64) (string, float64, error) {
	score, err := a.det.PredictOne(v)
	if err != nil {
		return "", 0, fmt.Errorf("anomaly score: %w", err)
	}
	score = clamp01(score)
	if score >= a.threshold {
		return LabelAnomaly, score, nil
	}
	return LabelBenign, 1 - score, nil
}

// Predict implements Classifier.
func (a *AnomalyClassifier) Predict(v []float64) (string, error) {
	label, _, err := a.decide(v)
	return label, err
}

// PredictConfidence implements Classifier.
func (a *AnomalyClassifier) PredictConfidence(v []float64) (float64, error) {
	_, conf, err := a.decide(v)
	return conf, err
}

// PredictDistribution implements DistributionPredictor. The raw score is
// read as the probability of an anomaly.
func (a *AnomalyClassifier) PredictDistribution(v []float64) (map[string]float64, error) {
	score, err := a.det.PredictOne(v)
	if err != nil {
		return nil, fmt.Errorf("anomaly score: %w", err)
	}
	score = clamp01(score)
	return map[string]float64{
		LabelAnomaly: score,
		LabelBenign:  1 - score,
	}, nil
}

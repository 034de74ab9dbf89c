package pipeline

import (
	"time"

	"github.com/hed1ad/flowguard/pkg/ensemble"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/heuristics"
)

// Detection is the verdict for one input flow.
type Detection struct {
	RowID     int64     `json:"row_id"`
	Timestamp time.Time `json:"ts"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	SrcPort   int       `json:"src_port"`
	DstPort   int       `json:"dst_port"`
	Proto     string    `json:"proto"`

	HeuristicVerdict heuristics.Verdict `json:"heuristic_verdict"`
	HeuristicScore   float64            `json:"heuristic_score"`
	// Findings holds the detectors that fired.
	Findings []heuristics.Finding `json:"findings,omitempty"`

	// Classifier output, nil when no classifier is configured.
	MLPrediction   *string            `json:"ml_prediction,omitempty"`
	MLConfidence   *float64           `json:"ml_confidence,omitempty"`
	MLDistribution map[string]float64 `json:"ml_distribution,omitempty"`

	CombinedScore float64            `json:"combined_score"`
	RiskLevel     ensemble.RiskLevel `json:"risk_level"`

	// Error is set when the flow was rejected or the classifier failed.
	Error string `json:"error,omitempty"`
}

func newDetection(f flow.Flow) Detection {
	return Detection{
		RowID:     f.ID,
		Timestamp: f.Timestamp,
		SrcIP:     f.SrcIP,
		DstIP:     f.DstIP,
		SrcPort:   f.SrcPort,
		DstPort:   f.DstPort,
		Proto:     f.Proto,
	}
}

func rejected(f flow.Flow, err error) Detection {
	d := newDetection(f)
	d.Error = err.Error()
	return d
}

// Rejected reports whether the flow never reached scoring.
func (d Detection) Rejected() bool {
	return d.Error != "" && d.RiskLevel == ""
}

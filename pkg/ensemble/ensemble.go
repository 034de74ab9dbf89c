// Package ensemble reconciles heuristic and classifier verdicts into a
// combined score and a risk level.
package ensemble

import (
	"errors"
	"fmt"
	"math"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

// RiskLevel is the banded combined score.
type RiskLevel string

// Risk levels in increasing order.
const (
	Low      RiskLevel = "LOW"
	Medium   RiskLevel = "MEDIUM"
	High     RiskLevel = "HIGH"
	Critical RiskLevel = "CRITICAL"
)

// RiskLevels lists every level from lowest to highest.
var RiskLevels = []RiskLevel{Low, Medium, High, Critical}

// RiskBands are the lower bounds (exclusive) of each level above LOW.
type RiskBands struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
}

// Config is the combination policy.
type Config struct {
	// AgreementBoost multiplies the mean when both sources agree. >= 1.
	AgreementBoost float64 `mapstructure:"agreement_boost"`
	// DisagreementPenalty multiplies the mean when they disagree. In (0, 1].
	DisagreementPenalty float64   `mapstructure:"disagreement_penalty"`
	Bands               RiskBands `mapstructure:"risk"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		AgreementBoost:      1.2,
		DisagreementPenalty: 0.8,
		Bands: RiskBands{
			Critical: 0.9,
			High:     0.7,
			Medium:   0.5,
		},
	}
}

// Validate rejects multipliers out of range and non-monotonic bands.
func (c Config) Validate() error {
	var errs []error
	if c.AgreementBoost < 1 {
		errs = append(errs, fmt.Errorf("agreement_boost must be >= 1, got %g", c.AgreementBoost))
	}
	if c.DisagreementPenalty <= 0 || c.DisagreementPenalty > 1 {
		errs = append(errs, fmt.Errorf("disagreement_penalty must be in (0, 1], got %g", c.DisagreementPenalty))
	}
	b := c.Bands
	if !(0 <= b.Medium && b.Medium < b.High && b.High < b.Critical && b.Critical <= 1) {
		errs = append(errs, fmt.Errorf("risk bands must satisfy 0 <= medium < high < critical <= 1, got %g/%g/%g",
			b.Medium, b.High, b.Critical))
	}
	return errors.Join(errs...)
}

// Scorer applies a Config. It is immutable and safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New creates a Scorer.
func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the policy in effect.
func (s *Scorer) Config() Config { return s.cfg }

// Combine merges a heuristic verdict (empty when nothing fired) with an
// optional classifier output. When mlLabel or mlConf is nil the heuristic
// confidence is used unchanged.
//
// Both inputs are read as threat scores: a benign classifier verdict with
// confidence c counts as 1-c. This departs from a plain average of the two
// confidences, which would rate a flow both sources call benign with
// confidence 1 as (0+1)/2*boost = 0.6, MEDIUM. The sources agree when both
// are benign, when the labels match, or when the classifier reports an
// anomaly and a heuristic fired.
func (s *Scorer) Combine(verdict string, hConf float64, mlLabel *string, mlConf *float64) (float64, RiskLevel) {
	hConf = clamp01(hConf)
	if mlLabel == nil || mlConf == nil {
		return hConf, s.Level(hConf)
	}

	label := *mlLabel
	conf := clamp01(*mlConf)
	mlBenign := label == detectors.LabelBenign

	mlThreat := conf
	if mlBenign {
		mlThreat = 1 - conf
	}

	agree := false
	switch {
	case verdict == "" && mlBenign:
		agree = true
	case label == verdict:
		agree = true
	case label == detectors.LabelAnomaly && verdict != "":
		agree = true
	}

	combined := (hConf + mlThreat) / 2
	if agree {
		combined *= s.cfg.AgreementBoost
	} else {
		combined *= s.cfg.DisagreementPenalty
	}
	combined = clamp01(combined)
	return combined, s.Level(combined)
}

// Level bands a combined score.
func (s *Scorer) Level(score float64) RiskLevel {
	b := s.cfg.Bands
	switch {
	case score > b.Critical:
		return Critical
	case score > b.High:
		return High
	case score > b.Medium:
		return Medium
	}
	return Low
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

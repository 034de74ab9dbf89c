// Package heuristics implements rule-based detectors that read the window
// snapshots produced for a flow.
package heuristics

import (
	"math"
	"strings"

	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/window"
)

// Verdict names an attack family. The empty verdict means nothing fired.
type Verdict string

// Verdicts in tie-break order.
const (
	None         Verdict = ""
	PortScan     Verdict = "port_scan"
	BruteForce   Verdict = "brute_force"
	Exfiltration Verdict = "exfiltration"
	Beaconing    Verdict = "beaconing"
)

// Verdicts lists every attack family.
var Verdicts = []Verdict{PortScan, BruteForce, Exfiltration, Beaconing}

// Finding is the outcome of one detector.
type Finding struct {
	Verdict    Verdict            `json:"verdict"`
	Detected   bool               `json:"detected"`
	Confidence float64            `json:"confidence"`
	Explain    map[string]float64 `json:"explain,omitempty"`
}

// Result aggregates the findings for a flow.
type Result struct {
	// Verdict is the detected finding with the highest confidence.
	Verdict Verdict
	// Score is the confidence of Verdict, 0 when nothing fired.
	Score    float64
	Findings []Finding
}

// Input is everything a detector may look at.
type Input struct {
	Flow flow.Flow
	// Source is the snapshot of the flow's source host.
	Source window.Snapshot
	// Service is the snapshot of the flow's (dst IP, dst port) key.
	Service window.Snapshot
	// Vector is the assembled feature row. Optional.
	Vector features.Vector
}

// Bank runs every detector. It is immutable and safe for concurrent use.
type Bank struct {
	cfg      Config
	stdPorts map[int]struct{}
	stdProto map[string]struct{}
}

// New creates a Bank.
func New(cfg Config) *Bank {
	b := &Bank{
		cfg:      cfg,
		stdPorts: make(map[int]struct{}, len(cfg.StandardPorts)),
		stdProto: make(map[string]struct{}, len(cfg.StandardProtos)),
	}
	for _, p := range cfg.StandardPorts {
		b.stdPorts[p] = struct{}{}
	}
	for _, p := range cfg.StandardProtos {
		b.stdProto[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return b
}

// Config returns the thresholds the bank was built with.
func (b *Bank) Config() Config { return b.cfg }

// Evaluate runs all detectors. It never fails; sparse or cold state yields
// findings that are not detected with confidence 0.
func (b *Bank) Evaluate(in Input) Result {
	findings := []Finding{
		b.portScan(in),
		b.bruteForce(in),
		b.exfiltration(in),
		b.beaconing(in),
	}

	res := Result{Findings: findings}
	for _, f := range findings {
		if f.Detected && f.Confidence > res.Score {
			res.Verdict = f.Verdict
			res.Score = f.Confidence
		}
	}
	return res
}

// countConfidence is 0 below threshold and grows from just above 0.5 at
// the threshold to 1 at twice the threshold.
func countConfidence(count, threshold int) float64 {
	if count < threshold || threshold < 1 {
		return 0
	}
	over := float64(count-threshold+1) / float64(threshold)
	return 0.5 + 0.5*math.Min(1, over)
}

func withNew(n int, isNew bool) int {
	if isNew {
		return n + 1
	}
	return n
}

func (b *Bank) portScan(in Input) Finding {
	pairs := withNew(in.Source.UniquePairs, in.Source.NewPair)
	conf := countConfidence(pairs, b.cfg.PortScanThreshold)
	return Finding{
		Verdict:    PortScan,
		Detected:   conf > 0,
		Confidence: conf,
		Explain: map[string]float64{
			"distinct_pairs": float64(pairs),
			"threshold":      float64(b.cfg.PortScanThreshold),
		},
	}
}

func (b *Bank) bruteForce(in Input) Finding {
	sources := withNew(in.Service.UniqueSrcIPs, in.Service.NewSrcIP)
	conf := countConfidence(sources, b.cfg.BruteForceThreshold)
	return Finding{
		Verdict:    BruteForce,
		Detected:   conf > 0,
		Confidence: conf,
		Explain: map[string]float64{
			"distinct_sources": float64(sources),
			"threshold":        float64(b.cfg.BruteForceThreshold),
		},
	}
}

func (b *Bank) standard(f flow.Flow) bool {
	if _, ok := b.stdPorts[flow.NormalizePort(f.DstPort)]; ok {
		return true
	}
	_, ok := b.stdProto[strings.ToLower(strings.TrimSpace(f.Proto))]
	return ok
}

func (b *Bank) exfiltration(in Input) Finding {
	var z float64
	if len(in.Vector) > features.BytesZScore {
		z = in.Vector[features.BytesZScore]
	} else {
		z = in.Source.Bytes.ZScore(float64(in.Flow.Bytes))
	}
	outbound := in.Source.SumBytes + in.Flow.Bytes
	inbound := in.Source.InboundBytes
	ratio := float64(outbound) / (float64(inbound) + 1)

	finding := Finding{
		Verdict: Exfiltration,
		Explain: map[string]float64{
			"bytes_zscore":     z,
			"outbound_bytes":   float64(outbound),
			"inbound_bytes":    float64(inbound),
			"outbound_ratio":   ratio,
			"zscore_threshold": b.cfg.ExfilZScore,
		},
	}
	if b.standard(in.Flow) {
		return finding
	}

	if z > b.cfg.ExfilZScore {
		finding.Detected = true
		finding.Confidence = math.Min(1, z/(2*b.cfg.ExfilZScore))
	}
	if (b.cfg.ExfilBytes > 0 && outbound >= b.cfg.ExfilBytes) ||
		(b.cfg.ExfilRatio > 0 && ratio >= b.cfg.ExfilRatio) {
		finding.Detected = true
		finding.Confidence = 1
	}
	return finding
}

func (b *Bank) beaconing(in Input) Finding {
	iv := in.Source.Intervals
	finding := Finding{
		Verdict: Beaconing,
		Explain: map[string]float64{
			"intervals":     float64(iv.Count()),
			"mean_interval": iv.Mean(),
		},
	}
	if iv.Count() < b.cfg.BeaconMinSamples || iv.Mean() <= 0 {
		return finding
	}

	cv := iv.CV()
	finding.Explain["cv"] = cv
	if cv <= b.cfg.BeaconMaxCV {
		finding.Detected = true
		finding.Confidence = 1 - math.Min(1, cv)
	}
	return finding
}

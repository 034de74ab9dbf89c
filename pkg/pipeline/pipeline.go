// Package pipeline runs flows through the window stores, the feature
// assembler, the heuristic bank, the optional classifier and the ensemble
// scorer, in streaming or batch mode with identical results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/ensemble"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/heuristics"
	"github.com/hed1ad/flowguard/pkg/metrics"
	"github.com/hed1ad/flowguard/pkg/window"
)

// Keyspace names.
const (
	SourceKeyspace  = "source"
	ServiceKeyspace = "service"
	InboundKeyspace = "inbound"
)

// policy is swapped as a unit so a flow is never scored with a mix of old
// and new thresholds.
type policy struct {
	bank   *heuristics.Bank
	scorer *ensemble.Scorer
}

// Pipeline scores flows. Process and Stream share live window stores;
// Batch uses fresh ones per call.
type Pipeline struct {
	cfg       Config
	assembler *features.Assembler
	adapter   *detectors.Adapter
	policy    atomic.Pointer[policy]

	src *window.Store
	svc *window.Store
	in  *window.Store

	logger  zerolog.Logger
	metrics *metrics.Metrics
	workers int
}

type options struct {
	classifier   detectors.Classifier
	trainedNames []string
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	workers      int
}

// Option configures a Pipeline.
type Option func(*options)

// WithClassifier enables classifier scoring. trainedNames is the feature
// layout persisted with the model.
func WithClassifier(c detectors.Classifier, trainedNames []string) Option {
	return func(o *options) {
		o.classifier = c
		o.trainedNames = trainedNames
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithWorkers overrides Config.Workers.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// New builds a pipeline. It fails on invalid configuration or when the
// classifier's feature layout does not match the assembler's.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	p := &Pipeline{
		cfg:       cfg,
		assembler: features.NewAssembler(),
		logger:    o.logger.With().Str("component", "pipeline").Logger(),
		metrics:   o.metrics,
		workers:   cfg.workers(),
	}

	if o.classifier != nil {
		adapter, err := detectors.NewAdapter(o.classifier, o.trainedNames, p.assembler.FeatureNames())
		if err != nil {
			return nil, fmt.Errorf("bind classifier: %w", err)
		}
		p.adapter = adapter
	}

	p.policy.Store(&policy{
		bank:   heuristics.New(cfg.Heuristics),
		scorer: ensemble.New(cfg.Ensemble),
	})
	p.src, p.svc, p.in = p.newStores(cfg.Heuristics)

	p.logger.Info().
		Int("window_size", cfg.WindowSize).
		Int("max_hosts", cfg.MaxHosts).
		Int("workers", p.workers).
		Bool("classifier", p.adapter != nil).
		Msg("pipeline ready")
	return p, nil
}

func (p *Pipeline) newStores(h heuristics.Config) (src, svc, in *window.Store) {
	common := func(name string) []window.Option {
		return []window.Option{
			window.WithSize(p.cfg.WindowSize),
			window.WithMaxHosts(p.cfg.MaxHosts),
			window.WithShards(p.cfg.Shards),
			window.WithLogger(p.logger.With().Str("component", "window").Logger()),
			window.WithEvictHook(func(string) { p.metrics.HostEvicted(name) }),
		}
	}
	src = window.New(SourceKeyspace, append(common(SourceKeyspace),
		window.WithIntervals(h.BeaconHistory, h.BeaconSpan))...)
	svc = window.New(ServiceKeyspace, common(ServiceKeyspace)...)
	in = window.New(InboundKeyspace, common(InboundKeyspace)...)
	return src, svc, in
}

// HasClassifier reports whether classifier scoring is enabled.
func (p *Pipeline) HasClassifier() bool { return p.adapter != nil }

// Schema returns the feature layout the pipeline assembles.
func (p *Pipeline) Schema() features.Schema { return p.assembler.Schema() }

// Process scores one flow against the live stores. A malformed flow returns
// a *flow.Error and leaves state untouched. A classifier failure returns the
// heuristics-only detection together with the error.
func (p *Pipeline) Process(f flow.Flow) (Detection, error) {
	start := time.Now()
	if err := f.Validate(); err != nil {
		p.reject(f, err)
		return rejected(f, err), err
	}
	src := p.src.Observe(f.SrcIP, f)
	src.InboundBytes = features.Receive(p.in, f)
	svc := p.svc.Observe(f.ServiceKey(), f)
	return p.score(p.policy.Load(), f, src, svc, start)
}

func (p *Pipeline) reject(f flow.Flow, err error) {
	p.metrics.FlowRejected()
	p.logger.Debug().Err(err).Int64("row_id", f.ID).Msg("flow rejected")
}

func (p *Pipeline) score(pol *policy, f flow.Flow, src, svc window.Snapshot, start time.Time) (Detection, error) {
	d := newDetection(f)
	v := p.assembler.Assemble(f, src)

	res := pol.bank.Evaluate(heuristics.Input{Flow: f, Source: src, Service: svc, Vector: v})
	d.HeuristicVerdict = res.Verdict
	d.HeuristicScore = res.Score
	for _, fd := range res.Findings {
		if fd.Detected {
			d.Findings = append(d.Findings, fd)
			p.metrics.HeuristicHit(string(fd.Verdict))
		}
	}

	var scoreErr error
	if p.adapter != nil {
		pred, err := p.adapter.Score(v)
		if err != nil {
			scoreErr = fmt.Errorf("score flow %d: %w", f.ID, err)
			d.Error = scoreErr.Error()
			p.metrics.ClassifierError()
			p.logger.Error().Err(err).Int64("row_id", f.ID).Msg("classifier failed")
		} else {
			d.MLPrediction = &pred.Label
			d.MLConfidence = &pred.Confidence
			d.MLDistribution = pred.Distribution
		}
	}

	d.CombinedScore, d.RiskLevel = pol.scorer.Combine(string(d.HeuristicVerdict), d.HeuristicScore, d.MLPrediction, d.MLConfidence)
	p.metrics.FlowScored(string(d.RiskLevel), time.Since(start).Seconds())

	if d.RiskLevel == ensemble.High || d.RiskLevel == ensemble.Critical {
		p.logger.Debug().
			Int64("row_id", f.ID).
			Str("src_ip", f.SrcIP).
			Str("dst_ip", f.DstIP).
			Str("verdict", string(d.HeuristicVerdict)).
			Float64("score", d.CombinedScore).
			Str("risk", string(d.RiskLevel)).
			Msg("threat detected")
	}
	return d, scoreErr
}

// Stream processes flows from in until it is closed or ctx is done. Every
// input yields one detection on out, rejected flows included.
func (p *Pipeline) Stream(ctx context.Context, in <-chan flow.Flow, out chan<- Detection) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				return nil
			}

			d, _ := p.Process(f)

			select {
			case out <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Batch scores a bounded set of flows against fresh window stores. Flows
// are observed in timestamp order (ties keep input order), so the result
// equals calling Process on each flow of that order with a new pipeline.
// Detections are returned in input order, one per flow. Classifier failures
// are reported on their detections and joined into the returned error.
func (p *Pipeline) Batch(ctx context.Context, flows []flow.Flow) ([]Detection, error) {
	pol := p.policy.Load()
	out := make([]Detection, len(flows))

	order := make([]int, 0, len(flows))
	for i, f := range flows {
		if err := f.Validate(); err != nil {
			p.reject(f, err)
			out[i] = rejected(f, err)
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(x, y int) bool {
		return flows[order[x]].Timestamp.Before(flows[order[y]].Timestamp)
	})

	// The keyspaces are independent, so each is replayed on its own goroutine.
	srcStore, svcStore, inStore := p.newStores(pol.bank.Config())
	srcSnaps := make([]window.Snapshot, len(flows))
	svcSnaps := make([]window.Snapshot, len(flows))
	inbound := make([]uint64, len(flows))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, i := range order {
			if err := gctx.Err(); err != nil {
				return err
			}
			srcSnaps[i] = srcStore.Observe(flows[i].SrcIP, flows[i])
		}
		return nil
	})
	g.Go(func() error {
		for _, i := range order {
			if err := gctx.Err(); err != nil {
				return err
			}
			svcSnaps[i] = svcStore.Observe(flows[i].ServiceKey(), flows[i])
		}
		return nil
	})
	g.Go(func() error {
		for _, i := range order {
			if err := gctx.Err(); err != nil {
				return err
			}
			inbound[i] = features.Receive(inStore, flows[i])
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, i := range order {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			src := srcSnaps[i]
			src.InboundBytes = inbound[i]
			d, err := p.score(pol, flows[i], src, svcSnaps[i], time.Now())
			out[i] = d
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.logger.Info().
		Int("flows", len(flows)).
		Int("rejected", len(flows)-len(order)).
		Int("classifier_errors", len(errs)).
		Msg("batch scored")
	return out, errors.Join(errs...)
}

// UpdatePolicy atomically replaces the heuristic thresholds and the
// ensemble policy. Flows already being scored finish with the old policy.
// Beacon history and span shape the live source store and only take effect
// for stores created afterwards, such as those of the next Batch, so a
// BeaconMinSamples the live store cannot hold is rejected.
func (p *Pipeline) UpdatePolicy(h heuristics.Config, e ensemble.Config) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("heuristics: %w", err)
	}
	if live := p.src.IntervalHistory(); h.BeaconMinSamples > live {
		return fmt.Errorf("heuristics: beacon_min_samples (%d) exceeds the live beacon history (%d)", h.BeaconMinSamples, live)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}

	old := p.policy.Swap(&policy{bank: heuristics.New(h), scorer: ensemble.New(e)})
	prev := old.bank.Config()
	if prev.BeaconHistory != h.BeaconHistory || prev.BeaconSpan != h.BeaconSpan {
		p.logger.Warn().Msg("beacon history and span apply to new window stores only")
	}
	p.logger.Info().
		Int("port_scan_threshold", h.PortScanThreshold).
		Int("brute_force_threshold", h.BruteForceThreshold).
		Float64("exfil_zscore", h.ExfilZScore).
		Float64("exfil_ratio", h.ExfilRatio).
		Float64("agreement_boost", e.AgreementBoost).
		Float64("disagreement_penalty", e.DisagreementPenalty).
		Msg("scoring policy updated")
	return nil
}

// Policy returns the thresholds in effect.
func (p *Pipeline) Policy() (heuristics.Config, ensemble.Config) {
	pol := p.policy.Load()
	return pol.bank.Config(), pol.scorer.Config()
}

// TrackedHosts returns the number of keys held by the live stores.
func (p *Pipeline) TrackedHosts() (source, service int) {
	return p.src.Len(), p.svc.Len()
}

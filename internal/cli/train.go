package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/window"
)

type trainOptions struct {
	trees         int
	sampleSize    int
	contamination float64
	seed          int64
	labels        []string
}

func newTrainCmd(a *app) *cobra.Command {
	var (
		input  string
		format string
		out    string
		opts   trainOptions
	)

	cmd := &cobra.Command{
		Use:   "train --input <file> --out <bundle>",
		Short: "Fit an isolation forest on flow features and save a model bundle",
		Long: `Assemble features for every flow of the input exactly as batch scoring
would, fit an isolation forest on them and write a bundle carrying the
model, its anomaly threshold and the feature layout it was trained on.`,
		Example: `  flowguard train --input baseline.csv --out model.bundle
  flowguard train --input labeled.csv --labels benign --contamination 0.05 --out model.bundle`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openReader(input, format)
			if err != nil {
				return err
			}
			defer r.Close()

			flows, err := r.Read()
			if err != nil {
				return fmt.Errorf("read %s: %w", input, err)
			}

			b, err := a.train(flows, opts)
			if err != nil {
				return err
			}
			if err := detectors.SaveBundleFile(out, b); err != nil {
				return fmt.Errorf("save model: %w", err)
			}
			a.logger.Info().
				Str("out", out).
				Str("kind", b.Kind).
				Float64("threshold", b.Threshold).
				Int("features", len(b.Schema)).
				Msg("model saved")
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "training flows, - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format: csv, jsonl or pcap (default from extension)")
	cmd.Flags().StringVar(&out, "out", "", "bundle path to write")
	cmd.Flags().IntVar(&opts.trees, "trees", 100, "number of isolation trees")
	cmd.Flags().IntVar(&opts.sampleSize, "sample-size", 256, "subsample size per tree")
	cmd.Flags().Float64Var(&opts.contamination, "contamination", 0.1, "expected anomaly share, sets the threshold")
	cmd.Flags().Int64Var(&opts.seed, "seed", 42, "random seed")
	cmd.Flags().StringSliceVar(&opts.labels, "labels", nil, "only fit on flows with these labels (window state still sees every flow)")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// train assembles vectors the way the pipeline's source store does and
// fits an isolation forest on them.
func (a *app) train(flows []flow.Flow, opts trainOptions) (*detectors.Bundle, error) {
	if opts.contamination < 0 || opts.contamination >= 0.5 {
		return nil, fmt.Errorf("contamination must be in [0, 0.5), got %g", opts.contamination)
	}

	asm := features.NewAssembler()
	vectors, err := asm.AssembleBatch(flows, features.SourceKey,
		window.WithSize(a.cfg.Window.Size),
		window.WithMaxHosts(a.cfg.Window.MaxHosts),
		window.WithShards(a.cfg.Window.Shards),
	)
	if err != nil {
		var fe *flow.Error
		if !errors.As(err, &fe) {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("malformed flows skipped")
	}

	keep := func(f flow.Flow) bool { return true }
	if len(opts.labels) > 0 {
		keep = func(f flow.Flow) bool {
			for _, l := range opts.labels {
				if strings.EqualFold(f.Label, l) {
					return true
				}
			}
			return false
		}
	}

	rows := make([][]float64, 0, len(vectors))
	for i, v := range vectors {
		if v != nil && keep(flows[i]) {
			rows = append(rows, v)
		}
	}
	if len(rows) == 0 {
		return nil, errors.New("no usable training flows")
	}

	forest := iforest.New(
		iforest.WithTrees(opts.trees),
		iforest.WithSampleSize(opts.sampleSize),
		iforest.WithContamination(opts.contamination),
		iforest.WithSeed(opts.seed),
	)
	a.logger.Info().Int("samples", len(rows)).Int("trees", opts.trees).Msg("training isolation forest")
	if err := forest.Fit(rows); err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}

	return detectors.NewBundle(iforest.Kind, asm.FeatureNames(), features.SchemaVersion, forest)
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/ensemble"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

func newBatchCmd(a *app) *cobra.Command {
	var (
		input     string
		format    string
		model     string
		output    string
		out       string
		onlyRisky bool
	)

	cmd := &cobra.Command{
		Use:   "batch --input <file>",
		Short: "Score a bounded file of flows",
		Long: `Score every flow of a CSV, JSON-lines or pcap file against fresh window
state. Flows are replayed in timestamp order and detections are written in
input order, one per flow.`,
		Example: `  flowguard batch --input flows.csv
  flowguard batch --input capture.pcap --model model.bundle --output table`,
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

			p, err := a.newPipeline(model, nil)
			if err != nil {
				return err
			}

			ds, scoreErr := p.Batch(cmd.Context(), flows)
			if ds == nil && scoreErr != nil {
				return scoreErr
			}

			w, err := a.openWriter(out, output, onlyRisky)
			if err != nil {
				return err
			}
			if err := w.WriteAll(ds); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}

			a.summarize(ds, scoreErr)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input file, - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format: csv, jsonl or pcap (default from extension)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model bundle (overrides model.path)")
	cmd.Flags().StringVarP(&output, "output", "o", formatJSONL, "output format: jsonl or table")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&onlyRisky, "only-risky", false, "omit LOW detections from table output")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// summarize logs per-risk counts for a finished batch.
func (a *app) summarize(ds []pipeline.Detection, scoreErr error) {
	counts := make(map[ensemble.RiskLevel]int, len(ensemble.RiskLevels))
	rejected := 0
	for _, d := range ds {
		if d.Rejected() {
			rejected++
			continue
		}
		counts[d.RiskLevel]++
	}

	ev := a.logger.Info().Int("flows", len(ds)).Int("rejected", rejected)
	for _, level := range ensemble.RiskLevels {
		ev = ev.Int(string(level), counts[level])
	}
	ev.Msg("batch complete")

	if scoreErr != nil {
		var joined interface{ Unwrap() []error }
		n := 1
		if errors.As(scoreErr, &joined) {
			n = len(joined.Unwrap())
		}
		a.logger.Warn().Int("classifier_errors", n).Msg("some flows were scored by heuristics only")
	}
}

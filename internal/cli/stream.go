package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/flowguard/pkg/config"
	"github.com/hed1ad/flowguard/pkg/metrics"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

func newStreamCmd(a *app) *cobra.Command {
	var (
		input       string
		format      string
		model       string
		output      string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "stream --input <file|->",
		Short: "Score flows as they arrive",
		Long: `Score an unbounded sequence of flows read from a file or stdin, writing
one detection per flow as soon as it is scored. Window state persists for
the life of the process. With --config, edits to the file hot-reload the
heuristic thresholds and ensemble policy.`,
		Example: `  tail -f flows.jsonl | flowguard stream --input - --format jsonl
  flowguard stream --input flows.csv --metrics-addr :9108`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			var m *metrics.Metrics
			var reg *prometheus.Registry
			if metricsAddr != "" {
				reg = prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				m = metrics.New(reg)
			}

			p, err := a.newPipeline(model, m)
			if err != nil {
				return err
			}

			if a.configPath != "" {
				err := config.Watch(a.configPath, a.logger, func(c *config.Config) {
					if err := p.UpdatePolicy(c.HeuristicsConfig(), c.EnsembleConfig()); err != nil {
						a.logger.Error().Err(err).Msg("policy update rejected")
					}
				})
				if err != nil {
					return err
				}
			}

			r, err := a.openReader(input, format)
			if err != nil {
				return err
			}
			defer r.Close()

			w, err := a.openWriter("", output, false)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if reg != nil {
				g.Go(func() error { return serveMetrics(gctx, metricsAddr, reg, a) })
			}
			in, err := r.Stream(gctx)
			if err != nil {
				return err
			}
			out := make(chan pipeline.Detection, 64)

			done := make(chan struct{})
			g.Go(func() error {
				defer close(out)
				return p.Stream(gctx, in, out)
			})
			g.Go(func() error {
				defer close(done)
				return a.drain(out, w)
			})

			// The pipeline finishing ends the metrics server too.
			g.Go(func() error {
				select {
				case <-done:
					stop()
				case <-gctx.Done():
				}
				return nil
			})

			err = g.Wait()
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			if e, ok := r.(interface{ Err() error }); ok && err == nil {
				err = e.Err()
			}
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			src, svc := p.TrackedHosts()
			a.logger.Info().Int("source_hosts", src).Int("service_hosts", svc).Msg("stream stopped")
			return err
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", "input file, - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format: csv, jsonl or pcap (default from extension, csv for stdin)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model bundle (overrides model.path)")
	cmd.Flags().StringVarP(&output, "output", "o", formatJSONL, "output format: jsonl or table")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9108 (overrides metrics.addr)")
	return cmd
}

// drain writes detections as they arrive, flushing after each one.
func (a *app) drain(in <-chan pipeline.Detection, w *closingWriter) error {
	var n int
	for d := range in {
		if err := w.Write(d); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		n++
		if n%10000 == 0 {
			a.logger.Debug().Int("flows", n).Msg("stream progress")
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

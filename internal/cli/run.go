package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/thruflo/crowdqc/internal/config"
	"github.com/thruflo/crowdqc/internal/detection"
	"github.com/thruflo/crowdqc/internal/metrics"
	"github.com/thruflo/crowdqc/internal/pipeline"
	"github.com/thruflo/crowdqc/internal/server"
	"github.com/thruflo/crowdqc/internal/state"
)

var (
	runCycles     int
	runServer     bool
	runServerPort int
	onceProgress  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline on a fixed period",
	Long: `Runs pipeline cycles every pipeline.period until interrupted.

A failed cycle is logged and retried on the next period. State is persisted
after every cycle, so the pipeline can be stopped and restarted at any time.

A server section in crowdqc.yaml, or --server, exposes /healthz, /status and
/metrics.

Example:
  crowdqc run
  crowdqc run --server --port 9000
  crowdqc run --cycles 10`,
	RunE: runRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single pipeline cycle",
	Long: `Runs one pipeline cycle and prints its report as JSON.

Example:
  crowdqc once
  crowdqc once --progress`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().IntVar(&runCycles, "cycles", 0, "stop after this many cycles (0 runs until interrupted)")
	runCmd.Flags().BoolVar(&runServer, "server", false, "start the status server even without a server section in crowdqc.yaml")
	runCmd.Flags().IntVar(&runServerPort, "port", 0, "status server port (default: server.port or 8374)")

	onceCmd.Flags().BoolVar(&onceProgress, "progress", false, "show a progress bar while adjudicating")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
}

// CycleSummary is the JSON output of the once and run commands.
type CycleSummary struct {
	Cycle       int      `json:"cycle"`
	ID          string   `json:"id"`
	Submitted   int      `json:"submitted"`
	Adjudicated int      `json:"adjudicated"`
	Forwarded   int      `json:"forwarded"`
	Rejected    []string `json:"rejected"`
	Accepted    []string `json:"accepted"`
	Votes       int      `json:"votes"`
	Pending     int      `json:"pending_items"`
	Error       string   `json:"error,omitempty"`
}

func summarize(r pipeline.CycleReport) CycleSummary {
	s := CycleSummary{
		Cycle:       r.Cycle,
		ID:          r.ID,
		Submitted:   r.Submitted,
		Adjudicated: r.Adjudicated,
		Forwarded:   len(r.Detection.Forwarded),
		Rejected:    append(append([]string{}, r.Detection.Rejected...), r.Verification.Rejected...),
		Accepted:    append([]string{}, r.Verification.Accepted...),
		Votes:       r.Verification.Votes,
		Pending:     r.Verification.Pending,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

func writeSummary(w io.Writer, r pipeline.CycleReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summarize(r))
}

// newDriver wires the pipeline from the project's config.
func newDriver(ctx context.Context, p *project, opts pipeline.Options) (*pipeline.Driver, state.Store, error) {
	client, err := p.client()
	if err != nil {
		return nil, nil, err
	}
	store, err := state.Open(ctx, p.cfg.State, p.basePath)
	if err != nil {
		return nil, nil, err
	}

	opts.Client = client
	opts.Config = p.cfg
	opts.Store = store
	opts.Logger = p.log
	return pipeline.New(opts), store, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := loadProject()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	opts := pipeline.Options{
		Metrics:   metrics.MustNewMetrics(reg),
		MaxCycles: runCycles,
	}

	var srv *server.Server
	if runServer || p.cfg.Server != nil {
		serverCfg := p.cfg.Server
		if serverCfg == nil {
			serverCfg = config.DefaultServerConfig()
		}
		if runServerPort != 0 {
			override := *serverCfg
			override.Port = runServerPort
			serverCfg = &override
		}
		srv, err = server.NewServerFromConfig(serverCfg, reg, p.log)
		if err != nil {
			return err
		}
		opts.OnReport = srv.Publish
	}

	driver, store, err := newDriver(ctx, p, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	serverErr := make(chan error, 1)
	if srv != nil {
		go func() {
			serverErr <- srv.Start(ctx)
		}()
		defer srv.Stop()
	}

	p.log.Info("pipeline started",
		"detection_pool", p.cfg.Pools.Detection,
		"verification_pool", p.cfg.Pools.Verification,
		"period", p.cfg.Pipeline.Period,
	)
	result := driver.Run(ctx)
	p.log.Info("pipeline stopped", "reason", result.Reason.String(), "cycles", result.Cycles)

	if srv != nil {
		select {
		case err := <-serverErr:
			if err != nil {
				return err
			}
		default:
		}
	}

	switch result.Reason {
	case pipeline.ExitReasonStore:
		return result.Error
	case pipeline.ExitReasonMaxCycles:
		if result.Last != nil {
			return writeSummary(cmd.OutOrStdout(), *result.Last)
		}
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	p, err := loadProject()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	opts := pipeline.Options{}
	if onceProgress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Adjudicating"),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionShowCount(),
		)
		opts.OnEvaluated = func(detection.Verdict) {
			_ = bar.Add(1)
		}
	}

	driver, store, err := newDriver(ctx, p, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	report, cycleErr := driver.RunCycle(ctx)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err := writeSummary(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if cycleErr != nil {
		return fmt.Errorf("cycle %d failed: %w", report.Cycle, cycleErr)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/transmute/config"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/logger"
	"github.com/teranos/transmute/server"
)

// ServeCmd runs the HTTP API together with the worker pool
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the worker pool",
	Long: `Run the job API and workers.count workers in one process.

With workers.count = 0 only the API runs and jobs wait for a separate
'transmute worker' process sharing the same database.

Examples:
  transmute serve
  transmute serve --addr 0.0.0.0:8787
  TRANSMUTE_JWT_SECRET=... transmute serve`,
	RunE: runServe,
}

// WorkerCmd runs the worker pool without the API
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool only",
	Long: `Claim and run jobs from the shared database until interrupted.

On start, jobs left in flight by a worker that stopped making progress for
workers.stale_after are failed. On Ctrl+C the pool stops claiming and waits
up to workers.stop_timeout for running jobs.

Examples:
  transmute worker
  transmute worker --workers 4`,
	RunE: runWorker,
}

func init() {
	ServeCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	ServeCmd.Flags().Int("workers", -1, "Worker count (overrides workers.count)")
	WorkerCmd.Flags().Int("workers", -1, "Worker count (overrides workers.count)")
}

// requireConfig returns the configuration Setup loaded
func requireConfig() (*config.Config, error) {
	if current == nil {
		return nil, errors.New("configuration not loaded")
	}
	return current, nil
}

// applyWorkerFlag overrides workers.count from --workers
func applyWorkerFlag(cmd *cobra.Command, cfg *config.Config) {
	if n, _ := cmd.Flags().GetInt("workers"); n >= 0 {
		cfg.Workers.Count = n
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	applyWorkerFlag(cmd, cfg)
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := startWorkers(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	var metrics server.MetricsSource
	if cfg.Workers.Count > 0 {
		metrics = rt.pool
	}

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		JWTSecret:      cfg.Server.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, rt.queue, rt.registry, metrics, logger.Logger)

	printBanner(cfg)
	pterm.Info.Printfln("API on http://%s (%d workers)", cfg.Server.Addr, cfg.Workers.Count)

	if err := srv.Serve(ctx); err != nil {
		return err
	}
	pterm.Info.Println("Shutting down, waiting for running jobs...")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	applyWorkerFlag(cmd, cfg)
	if cfg.Workers.Count == 0 {
		return errors.WithHint(errors.New("no workers configured"), "set workers.count or pass --workers")
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := startWorkers(ctx, cfg)
	if err != nil {
		return err
	}

	printBanner(cfg)
	pterm.Info.Printfln("%d workers claiming jobs, Ctrl+C to stop", cfg.Workers.Count)

	<-ctx.Done()
	pterm.Info.Println("Shutting down, waiting for running jobs...")
	rt.close(ctx)
	pterm.Success.Println("Workers stopped cleanly")
	return nil
}

package commands

import (
	"context"
	"net/http"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/transmute/build"
	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/capability/builtin"
	capgrpc "github.com/teranos/transmute/capability/grpc"
	"github.com/teranos/transmute/capability/script"
	"github.com/teranos/transmute/ci"
	"github.com/teranos/transmute/config"
	"github.com/teranos/transmute/db"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/internal/httpclient"
	"github.com/teranos/transmute/jobs"
	"github.com/teranos/transmute/logger"
	"github.com/teranos/transmute/orchestrator"
	"github.com/teranos/transmute/pipeline"
	"github.com/teranos/transmute/vcs"
	"github.com/teranos/transmute/vcs/review"
	"github.com/teranos/transmute/version"
	"github.com/teranos/transmute/workspace"
)

// openQueue opens and migrates the job store
func openQueue(cfg *config.Config) (*sqlx.DB, *jobs.Queue, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Driver, cfg.Database.DSN, logger.Logger)
	if err != nil {
		return nil, nil, errors.WithHint(err, "check database.driver and database.dsn")
	}
	return database, jobs.NewQueue(database, logger.Logger), nil
}

// loadRegistry registers the builtin capabilities and loads packages from
// capabilities.dir
func loadRegistry(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*capability.Registry, capability.LoadSummary, error) {
	registry := capability.NewRegistry(version.Get().Host(), log)
	registry.SetLoader(capability.KindScript, script.NewLoader(log))
	registry.SetLoader(capability.KindProcess,
		capgrpc.NewLauncher(cfg.Capabilities.BasePort, cfg.Capabilities.StartTimeout, log))

	if err := registry.Register(builtin.NewTouch()); err != nil {
		return nil, capability.LoadSummary{}, err
	}

	summary := registry.Load(ctx, cfg.Capabilities.Dir)
	return registry, summary, nil
}

// ciHTTPClient carries the retry and pacing policy for build server calls
func ciHTTPClient(cfg *config.Config, log *zap.SugaredLogger) *http.Client {
	opts := httpclient.DefaultOptions()
	opts.RetryMax = cfg.CI.RetryMax
	opts.RequestsPerSecond = cfg.CI.RequestsPerSecond
	if cfg.CI.RequestTimeout > 0 {
		opts.Timeout = cfg.CI.RequestTimeout
	}
	opts.Logger = log.Named("http")
	return httpclient.New(opts)
}

// newPipeline wires the validation pipeline's collaborators from config
func newPipeline(cfg *config.Config, log *zap.SugaredLogger) (*pipeline.Pipeline, error) {
	client := ciHTTPClient(cfg, log)

	requester, err := review.New(review.Options{
		Provider: cfg.Review.Provider,
		APIURL:   cfg.Review.APIURL,
		Token:    cfg.Review.Token,
		Owner:    cfg.Review.Owner,
		Repo:     cfg.Review.Repo,
		Client:   client,
		Logger:   log,
	})
	if err != nil {
		return nil, errors.WithHint(err, "set review.provider to github or leave it empty")
	}

	ciOpts := ci.DefaultOptions()
	if cfg.CI.QueueSettle > 0 {
		ciOpts.QueueSettle = cfg.CI.QueueSettle
	}
	ciOpts.QueuePollAttempts = cfg.CI.QueuePollAttempts
	ciOpts.Logger = log

	return pipeline.New(pipeline.Config{
		BaseBranch:   cfg.Pipeline.BaseBranch,
		BranchPrefix: cfg.Pipeline.BranchPrefix,
		Remote:       cfg.Pipeline.Remote,
		AuthorName:   cfg.Pipeline.AuthorName,
		AuthorEmail:  cfg.Pipeline.AuthorEmail,
		Compile: build.Config{
			Command: cfg.Compile.Command,
			Timeout: cfg.Compile.Timeout,
		},
		CIPollInterval: cfg.Pipeline.CIPollInterval,
		CITimeout:      cfg.Pipeline.CITimeout,
	}, pipeline.Deps{
		VCS:       vcs.NewGit(cfg.Pipeline.PushToken, log),
		Compiler:  build.NewExec(log),
		Requester: requester,
		NewCI: func(t *ci.Trigger) (ci.System, error) {
			return ci.NewSystem(t, client, ciOpts)
		},
	}, log), nil
}

// workerRuntime is everything a process running workers owns
type workerRuntime struct {
	db       *sqlx.DB
	queue    *jobs.Queue
	registry *capability.Registry
	pool     *jobs.WorkerPool
}

// startWorkers opens the store, loads capabilities and starts the pool.
// Call close when done.
func startWorkers(ctx context.Context, cfg *config.Config) (*workerRuntime, error) {
	log := logger.Logger

	database, queue, err := openQueue(cfg)
	if err != nil {
		return nil, err
	}

	registry, summary, err := loadRegistry(ctx, cfg, log)
	if err != nil {
		database.Close()
		return nil, err
	}
	for dir, reason := range summary.Skipped {
		log.Warnw("Capability not loaded", "path", dir, "reason", reason)
	}

	validator, err := newPipeline(cfg, log)
	if err != nil {
		_ = registry.Unload(ctx)
		database.Close()
		return nil, err
	}

	workspaces := workspace.NewManager(workspace.Options{
		Root:        cfg.Workspace.Root,
		BaseBranch:  cfg.Pipeline.BaseBranch,
		AuthorName:  cfg.Pipeline.AuthorName,
		AuthorEmail: cfg.Pipeline.AuthorEmail,
	}, log)

	runner := orchestrator.New(queue, registry, workspaces, validator, log)

	// The pool drains on Stop; ctx cancellation must not abort running jobs
	pool := jobs.NewWorkerPool(context.WithoutCancel(ctx), queue, runner, jobs.WorkerPoolConfig{
		Workers:      cfg.Workers.Count,
		PollInterval: cfg.Workers.PollInterval,
		StaleAfter:   cfg.Workers.StaleAfter,
		StopTimeout:  cfg.Workers.StopTimeout,
	}, log)
	pool.Start()

	return &workerRuntime{db: database, queue: queue, registry: registry, pool: pool}, nil
}

// close drains the pool, then releases capabilities and the store
func (r *workerRuntime) close(ctx context.Context) {
	r.pool.Stop()
	if err := r.registry.Unload(context.WithoutCancel(ctx)); err != nil {
		logger.Logger.Warnw("Failed to unload capabilities", "error", err)
	}
	r.db.Close()
}

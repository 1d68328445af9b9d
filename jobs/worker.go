package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/transmute/db"
	"github.com/teranos/transmute/logger"
)

// MaxStaleJobsToRecover limits how many lost jobs are failed on startup
const MaxStaleJobsToRecover = 1000

// Runner drives one claimed job to a terminal state. cancel is closed when
// someone asks for the job to be cancelled; ctx ends only on hard shutdown.
type Runner interface {
	Run(ctx context.Context, job *Job, cancel <-chan struct{})
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, job *Job, cancel <-chan struct{})

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, job *Job, cancel <-chan struct{}) {
	f(ctx, job, cancel)
}

// poolLogger wraps zap.SugaredLogger with lifecycle helpers:
// DEBUG for startup steps, WARN for shutdown steps, INFO for the rest.
type poolLogger struct {
	*zap.SugaredLogger
}

func (l poolLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l poolLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`
	PollInterval      time.Duration `json:"poll_interval"`      // how often idle workers look for jobs
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // how often running jobs are touched and checked for cancel
	StaleAfter        time.Duration `json:"stale_after"`        // 0 disables startup recovery
	StopTimeout       time.Duration `json:"stop_timeout"`       // grace period for in-flight jobs on Stop
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           2,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleAfter:        time.Hour,
		StopTimeout:       30 * time.Second,
	}
}

// WorkerPool runs N workers that claim jobs and hand them to a Runner.
// One worker owns a job from claim to terminal state.
type WorkerPool struct {
	queue  *Queue
	runner Runner
	cfg    WorkerPoolConfig
	prefix string

	ctx      context.Context // cancelled on hard stop only
	cancel   context.CancelFunc
	draining chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger poolLogger

	mu            sync.Mutex
	started       bool
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
}

// NewWorkerPool creates a worker pool. Call Start to begin claiming jobs.
func NewWorkerPool(ctx context.Context, queue *Queue, runner Runner, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	hostname, _ := os.Hostname()
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:    queue,
		runner:   runner,
		cfg:      cfg,
		prefix:   fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		ctx:      workerCtx,
		cancel:   cancel,
		draining: make(chan struct{}),
		logger:   poolLogger{log.Named("workers")},
	}
}

// Start recovers lost jobs and launches the workers. Calling it twice is a no-op.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = true
	wp.startTime = time.Now()
	wp.mu.Unlock()

	if wp.cfg.StaleAfter > 0 {
		failed, err := wp.queue.FailStale(wp.ctx, wp.cfg.StaleAfter, MaxStaleJobsToRecover)
		if err != nil {
			wp.logger.Warnw("Failed to recover stale jobs", "error", err)
		} else if failed > 0 {
			wp.logger.Starting("Failed jobs abandoned by a previous worker", "count", failed)
		}
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.cfg.Workers)
	}

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Starting("Worker pool started", "workers", wp.cfg.Workers, "poll_interval", wp.cfg.PollInterval)
}

// Stop stops claiming new jobs and waits for in-flight jobs. After
// StopTimeout the job context is cancelled and Stop returns shortly after.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.draining) })

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(wp.cfg.StopTimeout):
		wp.logger.Closing("Stop timeout, interrupting in-flight jobs", "timeout", wp.cfg.StopTimeout)
		wp.cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			wp.logger.Closing("Workers still exiting after interrupt")
		}
	}
	wp.cancel()
}

// worker claims and runs jobs until the pool drains
func (wp *WorkerPool) worker(n int) {
	defer wp.wg.Done()

	workerID := fmt.Sprintf("%s-w%d", wp.prefix, n)
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.draining:
			return
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		}

		err := wp.processNextJob(workerID)
		if err == nil {
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", workerID, "previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
			continue
		}

		if wp.ctx.Err() != nil || db.IsDatabaseClosed(err) {
			return
		}

		errorCount++
		wp.logger.Errorw("Worker error processing job",
			"worker_id", workerID, "error", err, "consecutive_errors", errorCount)

		if errorCount >= maxConsecutiveErrors {
			wp.logger.Warnw("Worker backing off due to consecutive errors",
				"worker_id", workerID, "backoff", backoffDuration)
			select {
			case <-time.After(backoffDuration):
			case <-wp.draining:
				return
			}
			backoffDuration = min(backoffDuration*2, maxBackoff)
		}
	}
}

// processNextJob claims one job and runs it to completion
func (wp *WorkerPool) processNextJob(workerID string) error {
	select {
	case <-wp.draining:
		return nil
	default:
	}

	job, err := wp.queue.Claim(wp.ctx, workerID)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	wp.runJob(workerID, job)
	return nil
}

func (wp *WorkerPool) runJob(workerID string, job *Job) {
	cancelCh := make(chan struct{})
	var once sync.Once
	requestCancel := func() { once.Do(func() { close(cancelCh) }) }

	release := wp.queue.registerCanceler(job.ID, requestCancel)
	defer release()

	hbCtx, stopHeartbeat := context.WithCancel(wp.ctx)
	defer stopHeartbeat()
	go wp.heartbeat(hbCtx, job.ID, requestCancel)

	ctx := logger.WithWorkerID(logger.WithJobID(wp.ctx, job.ID), workerID)
	started := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Errorw("Job panicked", "job_id", job.ID, "panic", r)
				wp.abandon(job.ID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		wp.runner.Run(ctx, job, cancelCh)
	}()

	// Nothing escapes the worker: a runner that returns early still ends the job
	wp.abandon(job.ID, "job ended without a verdict")

	wp.logger.Infow("Job finished", "job_id", job.ID, "worker_id", workerID,
		"duration_ms", time.Since(started).Milliseconds())
}

// heartbeat keeps the job fresh for stale detection and relays cancel
// requests made from other processes.
func (wp *WorkerPool) heartbeat(ctx context.Context, id string, requestCancel func()) {
	ticker := time.NewTicker(wp.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := wp.queue.store.Heartbeat(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					wp.logger.Debugw("Heartbeat failed", "job_id", id, "error", err)
				}
				continue
			}
			if cancelRequested {
				requestCancel()
			}
		}
	}
}

// abandon fails a job that is still in flight
func (wp *WorkerPool) abandon(id, reason string) {
	// The pool context may already be cancelled on hard stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, _, err := wp.queue.store.stateOf(ctx, id)
	if err != nil || !state.InFlight() {
		return
	}
	if err := wp.queue.Transition(ctx, id, state, StateFailed, reason, ""); err != nil {
		wp.logger.Warnw("Failed to fail abandoned job", "job_id", id, "error", err)
		return
	}
	_ = wp.queue.AppendLog(ctx, id, LogEntry{Time: time.Now().UTC(), Text: reason})
}

// Queue returns the job queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// tokenCountRefreshInterval bounds how often the adaptive concurrency
// target re-reads the enabled token count.
const tokenCountRefreshInterval = 30 * time.Second

// Worker is the embedded background job processor: it claims jobs on a
// tick, runs them through the dispatcher with bounded concurrency, sweeps
// expired leases and publishes a heartbeat.
type Worker struct {
	cfg        config.WorkerConfig
	easyCfg    config.EasyProxiesConfig
	jobs       *repository.JobRepository
	tokens     *repository.TokenRepository
	settings   *SettingsService
	dispatcher *Dispatcher
	easy       *EasyProxiesService
	logger     *zap.Logger

	workerID string

	mu            sync.Mutex
	inFlight      int
	targetC       int
	lastTokenPoll time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a Worker.
func NewWorker(cfg config.WorkerConfig, easyCfg config.EasyProxiesConfig, jobs *repository.JobRepository, tokens *repository.TokenRepository, settings *SettingsService, dispatcher *Dispatcher, easy *EasyProxiesService, logger *zap.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		cfg:        cfg,
		easyCfg:    easyCfg,
		jobs:       jobs,
		tokens:     tokens,
		settings:   settings,
		dispatcher: dispatcher,
		easy:       easy,
		logger:     logger,
		workerID:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		targetC:    cfg.Concurrency,
		done:       make(chan struct{}),
	}
}

// WorkerID returns this process's claim identity.
func (w *Worker) WorkerID() string { return w.workerID }

// Start launches the claim loop and auxiliary loops. Non-blocking.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.logger.Info("worker starting",
		zap.String("worker_id", w.workerID),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Bool("auto_concurrency", w.cfg.AutoConcurrency))

	w.wg.Add(1)
	go w.claimLoop(ctx)
	w.wg.Add(1)
	go w.heartbeatLoop(ctx)
	if w.easyCfg.Enabled && w.easy != nil {
		w.wg.Add(1)
		go w.easyProxiesLoop(ctx)
	}
	go func() {
		w.wg.Wait()
		close(w.done)
	}()
}

// Stop halts claiming, cancels in-flight handlers and waits for them.
func (w *Worker) Stop(timeout time.Duration) {
	if w.cancel == nil {
		return
	}
	w.cancel()
	select {
	case <-w.done:
		w.logger.Info("worker stopped")
	case <-time.After(timeout):
		w.logger.Warn("worker stop timed out", zap.Duration("timeout", timeout))
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Duration(w.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()

	if promoted, err := w.jobs.PromoteDueRetries(ctx, now); err != nil {
		w.logger.Warn("failed to promote due retries", zap.Error(err))
	} else if promoted > 0 {
		w.logger.Debug("promoted retries", zap.Int64("count", promoted))
	}
	if swept, err := w.jobs.SweepExpiredLeases(ctx, time.Duration(w.cfg.LockTTLSeconds)*time.Second, now); err != nil {
		w.logger.Warn("failed to sweep expired leases", zap.Error(err))
	} else if swept > 0 {
		w.logger.Warn("reclaimed expired leases", zap.Int64("count", swept))
	}

	target := w.concurrencyTarget(ctx, now)
	for i := 0; i < w.cfg.MaxClaimsPerTick; i++ {
		w.mu.Lock()
		slots := target - w.inFlight
		w.mu.Unlock()
		if slots <= 0 {
			return
		}
		job, err := w.jobs.Claim(ctx, w.workerID, time.Now().UTC())
		if err != nil {
			w.logger.Warn("claim failed", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		w.spawn(ctx, job)
	}
}

func (w *Worker) spawn(ctx context.Context, job *models.Job) {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.inFlight--
			w.mu.Unlock()
		}()
		w.dispatcher.Execute(ctx, job)
	}()
}

// concurrencyTarget clamps the configured maximum to the enabled token
// count when auto mode is on: hydration throughput cannot exceed the
// credential supply anyway.
func (w *Worker) concurrencyTarget(ctx context.Context, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.cfg.AutoConcurrency {
		return w.cfg.Concurrency
	}
	if now.Sub(w.lastTokenPoll) >= tokenCountRefreshInterval {
		if n, err := w.tokens.CountEnabled(ctx); err == nil {
			target := n
			if target < 1 {
				target = 1
			}
			if target > w.cfg.Concurrency {
				target = w.cfg.Concurrency
			}
			w.targetC = target
		}
		w.lastTokenPoll = now
	}
	return w.targetC
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			inFlight := w.inFlight
			target := w.targetC
			w.mu.Unlock()
			hb := map[string]any{
				"worker_id": w.workerID,
				"at":        time.Now().UTC().Format(time.RFC3339),
				"in_flight": inFlight,
			}
			if err := w.settings.Set(ctx, models.SettingWorkerHeartbeat, hb, w.workerID); err != nil {
				w.logger.Warn("failed to publish heartbeat", zap.Error(err))
			}
			if err := w.settings.Set(ctx, models.SettingWorkerConcurrency, target, w.workerID); err != nil {
				w.logger.Warn("failed to publish concurrency", zap.Error(err))
			}
		}
	}
}

func (w *Worker) easyProxiesLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := time.Duration(w.easyCfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.easy.Refresh(ctx); err != nil {
				w.logger.Warn("easy_proxies refresh failed", zap.Error(err))
			}
		}
	}
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adanalytics/queryaccel/infrastructure/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for a long-running engine daemon
// (the MV builder loop, the validator loop, or any other background
// process).
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
}

// BaseService provides a consistent foundation for background daemons with:
//   - Safe stop channel management (sync.Once prevents double-close panic)
//   - Optional hydration hook for loading state on startup
//   - Background worker management, including a ticker-driven convenience form
//   - A deep health checker aggregating named component probes
type BaseService struct {
	id      string
	name    string
	version string

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)

	health    *DeepHealthChecker
	startTime time.Time
	startMu   sync.Mutex

	logger *logging.Logger
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "service"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:      cfgValue.ID,
		name:    cfgValue.Name,
		version: cfgValue.Version,
		stopCh:  make(chan struct{}),
		health:  NewDeepHealthChecker(healthCheckTimeout),
		logger:  logger,
	}
}

// ID returns the service identifier.
func (b *BaseService) ID() string { return b.id }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("service")
	}
	if b.logger != nil {
		return b.logger
	}
	serviceName := b.id
	if serviceName == "" {
		serviceName = "service"
	}
	b.logger = logging.NewFromEnv(serviceName)
	return b.logger
}

// RegisterHealthCheck adds a named component probe consulted by HealthStatus.
func (b *BaseService) RegisterHealthCheck(name string, check HealthCheckFunc) *BaseService {
	b.health.Register(name, check)
	return b
}

// WithHydrate sets an optional hydrate hook executed during Start, before
// background workers are launched. Use this for loading registry state from
// disk (MV manifests) prior to serving queries.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function queried on demand.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// Stats returns the current statistics, or an empty map if none configured.
func (b *BaseService) Stats() map[string]any {
	if b.statsFn == nil {
		return map[string]any{}
	}
	return b.statsFn()
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should respect both context cancellation
// and StopChan().
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on start
// (before waiting for the first ticker interval).
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker that calls fn on
// every tick until the context is cancelled or Stop is called.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins up background workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.startMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.startMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to exit. This method is idempotent: calling it
// multiple times is safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered background workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// HealthStatus runs all registered component checks and returns the
// aggregated response, whose Status is "healthy", "degraded" or "unhealthy".
func (b *BaseService) HealthStatus(ctx context.Context) *DeepHealthResponse {
	b.startMu.Lock()
	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	b.startMu.Unlock()

	return b.health.Check(ctx, b.name, b.version, uptime)
}

// Package supervisor keeps pipeline workers running, restarting crashed
// ones with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/telemetry"
)

// Worker is a long-running unit of the pipeline. Run should block until ctx
// is cancelled or the worker fails.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config controls restart pacing.
type Config struct {
	// RestartBackoff is the initial delay before restarting a failed worker.
	RestartBackoff time.Duration
	// RestartCap bounds the delay between restarts.
	RestartCap time.Duration
	// StableAfter resets the backoff once a run survives this long.
	StableAfter time.Duration
	Environment string
}

func (c Config) normalize() Config {
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	if c.RestartCap <= 0 {
		c.RestartCap = 60 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 5 * time.Minute
	}
	return c
}

// Supervisor runs a set of workers until the context is cancelled or one of
// them fails fatally.
type Supervisor struct {
	cfg     Config
	workers []Worker

	mu    sync.Mutex
	fatal error

	restarts metric.Int64Counter
}

// New constructs a supervisor over the given workers.
func New(cfg Config, workers []Worker) (*Supervisor, error) {
	if len(workers) == 0 {
		return nil, errs.New("supervisor", errs.CodeConfig, errs.WithMessage("no workers"))
	}
	for _, w := range workers {
		if w.Name == "" || w.Run == nil {
			return nil, errs.New("supervisor", errs.CodeConfig,
				errs.WithMessage("worker requires name and run function"))
		}
	}

	meter := otel.Meter("strikeline/supervisor")
	restarts, err := meter.Int64Counter("supervisor.restarts",
		metric.WithDescription("Worker restarts by worker and result"))
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:      cfg.normalize(),
		workers:  workers,
		restarts: restarts,
	}, nil
}

// Run supervises all workers. It returns nil on clean shutdown and the
// first fatal (non-restartable) worker error otherwise. config_error is
// always fatal: a worker that cannot configure itself will not heal by
// being restarted.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	for _, worker := range s.workers {
		worker := worker
		wg.Go(func() {
			s.supervise(ctx, cancel, worker)
		})
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Supervisor) supervise(ctx context.Context, cancel context.CancelFunc, worker Worker) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RestartBackoff
	policy.MaxInterval = s.cfg.RestartCap
	policy.Reset()

	for {
		started := time.Now()
		err := worker.Run(ctx)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A worker that returns cleanly outside shutdown is done.
			observability.Log().Info("worker finished",
				observability.F("worker", worker.Name))
			return
		}
		if errs.IsCode(err, errs.CodeConfig) {
			s.fail(cancel, worker.Name, err)
			return
		}

		if time.Since(started) >= s.cfg.StableAfter {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.RestartCap
		}

		observability.Log().Warn("worker crashed, restarting",
			observability.F("worker", worker.Name),
			observability.F("error", err.Error()),
			observability.F("restart_in", delay.String()))
		s.restarts.Add(ctx, 1,
			metric.WithAttributes(telemetry.OperationResultAttributes(
				s.cfg.Environment, worker.Name, string(errs.CodeOf(err)))...))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) fail(cancel context.CancelFunc, name string, err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	observability.Log().Error("worker failed fatally, shutting down",
		observability.F("worker", name),
		observability.F("error", err.Error()))
	cancel()
}

// IsFatal reports whether the supervisor stopped because of a fatal worker
// error rather than a clean shutdown.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

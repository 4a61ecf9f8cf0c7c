// Package health derives pipeline liveness from the event store
// projections. All queries are read-only.
package health

import (
	"context"
	"time"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
)

// Querier is the read surface of the event store the reporter depends on.
type Querier interface {
	LatestSpotTs(ctx context.Context) (float64, bool, error)
	LatestQuoteTs(ctx context.Context) (float64, bool, error)
	LatestEdgeAsof(ctx context.Context) (float64, bool, error)
	CountEventsSince(ctx context.Context, eventType schema.EventType, sinceTs float64) (int64, error)
	CountOrdersSince(ctx context.Context, sinceTs float64) (total, rejected int64, err error)
}

// Report is one health observation over the trailing window. Age fields are
// nil until the corresponding projection has its first row.
type Report struct {
	AsofTs             float64
	WindowSeconds      int
	SpotAgeSeconds     *float64
	QuoteAgeSeconds    *float64
	SnapshotAgeSeconds *float64
	SnapshotCount      int64
	DecisionCount      int64
	OrderCount         int64
	RejectCount        int64
	RejectRate         float64
}

// Config parameterises the reporter.
type Config struct {
	Every         time.Duration
	WindowSeconds int
}

func (c Config) normalize() Config {
	if c.Every <= 0 {
		c.Every = 30 * time.Second
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 3600
	}
	return c
}

// Reporter periodically collects and logs a health report.
type Reporter struct {
	cfg     Config
	querier Querier
	now     func() time.Time
}

// Option configures optional reporter collaborators.
type Option func(*Reporter)

// WithClock overrides wall-clock time, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// New constructs a reporter over the given query surface.
func New(cfg Config, querier Querier, opts ...Option) (*Reporter, error) {
	if querier == nil {
		return nil, errs.New("health", errs.CodeConfig, errs.WithMessage("nil querier"))
	}
	r := &Reporter{
		cfg:     cfg.normalize(),
		querier: querier,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Collect builds one report as of now.
func (r *Reporter) Collect(ctx context.Context) (Report, error) {
	now := float64(r.now().UnixNano()) / 1e9
	report := Report{AsofTs: now, WindowSeconds: r.cfg.WindowSeconds}

	if ts, ok, err := r.querier.LatestSpotTs(ctx); err != nil {
		return Report{}, err
	} else if ok {
		age := now - ts
		report.SpotAgeSeconds = &age
	}
	if ts, ok, err := r.querier.LatestQuoteTs(ctx); err != nil {
		return Report{}, err
	} else if ok {
		age := now - ts
		report.QuoteAgeSeconds = &age
	}
	if ts, ok, err := r.querier.LatestEdgeAsof(ctx); err != nil {
		return Report{}, err
	} else if ok {
		age := now - ts
		report.SnapshotAgeSeconds = &age
	}

	since := now - float64(r.cfg.WindowSeconds)
	snapshots, err := r.querier.CountEventsSince(ctx, schema.EventTypeEdgeSnapshot, since)
	if err != nil {
		return Report{}, err
	}
	report.SnapshotCount = snapshots

	decisions, err := r.querier.CountEventsSince(ctx, schema.EventTypeOpportunityDecision, since)
	if err != nil {
		return Report{}, err
	}
	report.DecisionCount = decisions

	orders, rejected, err := r.querier.CountOrdersSince(ctx, since)
	if err != nil {
		return Report{}, err
	}
	report.OrderCount = orders
	report.RejectCount = rejected
	if orders > 0 {
		report.RejectRate = float64(rejected) / float64(orders)
	}

	return report, nil
}

// Run collects and logs a report every Every until ctx is cancelled.
// Collection failures are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := r.Collect(ctx)
			if err != nil {
				observability.Log().Warn("health collection failed",
					observability.F("error", err.Error()))
				continue
			}
			logReport(report)
		}
	}
}

func logReport(report Report) {
	fields := []observability.Field{
		observability.F("window_seconds", report.WindowSeconds),
		observability.F("snapshots", report.SnapshotCount),
		observability.F("decisions", report.DecisionCount),
		observability.F("orders", report.OrderCount),
		observability.F("rejects", report.RejectCount),
		observability.F("reject_rate", report.RejectRate),
	}
	if report.SpotAgeSeconds != nil {
		fields = append(fields, observability.F("spot_age_seconds", *report.SpotAgeSeconds))
	}
	if report.QuoteAgeSeconds != nil {
		fields = append(fields, observability.F("quote_age_seconds", *report.QuoteAgeSeconds))
	}
	if report.SnapshotAgeSeconds != nil {
		fields = append(fields, observability.F("snapshot_age_seconds", *report.SnapshotAgeSeconds))
	}
	observability.Log().Info("pipeline health", fields...)
}

// Command pipeline runs the strikeline trading pipeline: ingest, edge,
// opportunity, paper execution, projection, and health reporting under one
// supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/strikeline/strikeline/config"
	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/edge"
	"github.com/strikeline/strikeline/internal/execution"
	"github.com/strikeline/strikeline/internal/health"
	"github.com/strikeline/strikeline/internal/ingest"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/opportunity"
	"github.com/strikeline/strikeline/internal/persistence/migrations"
	"github.com/strikeline/strikeline/internal/persistence/postgres"
	"github.com/strikeline/strikeline/internal/persistence/sqlite"
	"github.com/strikeline/strikeline/internal/projector"
	"github.com/strikeline/strikeline/internal/supervisor"
	"github.com/strikeline/strikeline/internal/telemetry"
	"github.com/strikeline/strikeline/internal/vol"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errs.IsCode(err, errs.CodeConfig) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "strikeline.yaml", "Path to the YAML configuration file")
		workers    = flag.String("workers", "", "Comma-separated worker subset to run (default: all)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(*configPath)
	if err != nil {
		return errs.New("pipeline", errs.CodeConfig,
			errs.WithMessage("load configuration"), errs.WithCause(err))
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	provider, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: settings.Telemetry.OTLPEndpoint,
		ServiceName:  settings.Telemetry.ServiceName,
		Environment:  string(settings.Environment),
	})
	if err != nil {
		return errs.New("pipeline", errs.CodeConfig,
			errs.WithMessage("initialise telemetry"), errs.WithCause(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			observability.Log().Warn("telemetry shutdown failed",
				observability.F("error", err.Error()))
		}
	}()

	release, err := supervisor.AcquireLock(settings.Supervisor.LockfilePath)
	if err != nil {
		return err
	}
	defer release()

	busRoot := strings.TrimPrefix(settings.Bus.URL, "file://")
	b, err := bus.Open(bus.Config{
		Root:        busRoot,
		MaxAge:      time.Duration(settings.Bus.RetentionHours) * time.Hour,
		DedupWindow: settings.Bus.DedupWindow,
		Environment: string(settings.Environment),
	})
	if err != nil {
		return err
	}
	defer b.Close()

	env := string(settings.Environment)
	all, err := buildWorkers(ctx, settings, b, env)
	if err != nil {
		return err
	}
	selected, err := selectWorkers(all, *workers)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		RestartBackoff: settings.Supervisor.RestartBackoff,
		RestartCap:     settings.Supervisor.RestartCap,
		Environment:    env,
	}, selected)
	if err != nil {
		return err
	}

	observability.Log().Info("pipeline starting",
		observability.F("environment", env),
		observability.F("workers", workerNames(selected)))

	runErr := sup.Run(ctx)
	if supervisor.IsFatal(runErr) {
		return runErr
	}
	observability.Log().Info("pipeline stopped")
	return nil
}

func buildWorkers(ctx context.Context, settings config.Settings, b bus.Bus, env string) ([]supervisor.Worker, error) {
	var workers []supervisor.Worker

	collector, err := ingest.NewSpotCollector(settings.Venue, b)
	if err != nil {
		return nil, err
	}
	workers = append(workers, supervisor.Worker{Name: "spot-collector", Run: collector.Run})

	poller, err := ingest.NewPoller(settings.Venue, b)
	if err != nil {
		return nil, err
	}
	workers = append(workers, supervisor.Worker{Name: "market-poller", Run: poller.Run})

	var edgeOpts []edge.Option
	if dsn := strings.TrimSpace(settings.Store.PGDSN); dsn == "" {
		// Legacy local-store mode: snapshots mirror into sqlite.
		legacy, err := sqlite.Open(ctx, settings.Store.DBPath)
		if err != nil {
			return nil, err
		}
		edgeOpts = append(edgeOpts, edge.WithSnapshotSink(legacy))
	}

	edgeEngine, err := edge.New(edge.Config{
		ProductID:    settings.Venue.ProductID,
		TickEvery:    settings.Edge.TickEvery,
		BatchCap:     settings.Edge.BatchCap,
		FetchTimeout: settings.Bus.FetchTimeout,
		Universe: edge.UniverseParams{
			SeriesPrefix:        settings.Venue.SeriesPrefix,
			MaxHorizonSeconds:   float64(settings.Edge.MaxHorizonSeconds),
			HorizonGraceSeconds: float64(settings.Edge.HorizonGraceSecs),
			RequireQuotes:       settings.Edge.RequireQuotes,
			QuoteFreshnessSecs:  float64(settings.Edge.QuoteFreshnessSecs),
			MinAskCents:         settings.Edge.MinAskCents,
			MaxAskCents:         settings.Edge.MaxAskCents,
			PctBand:             settings.Edge.PctBand,
			TopN:                settings.Edge.TopN,
		},
		Snapshot: edge.SnapshotParams{
			MinAskCents:     settings.Edge.MinAskCents,
			MaxAskCents:     settings.Edge.MaxAskCents,
			StrategyVersion: settings.Edge.StrategyVersion,
		},
		Vol: vol.Params{
			BucketSeconds:         settings.Vol.BucketSeconds,
			EwmaLambda:            settings.Vol.EwmaLambda,
			MinPoints:             settings.Vol.MinPoints,
			MinHistorySpanSeconds: settings.Vol.MinHistorySpanSeconds,
			LookbackSeconds:       settings.Vol.LookbackSeconds,
			SigmaDefault:          settings.Vol.SigmaDefault,
			SigmaMax:              settings.Vol.SigmaMax,
		},
		Source:      "edge-engine",
		Environment: env,
	}, b, settings.Edge.SpotHistoryCap, edgeOpts...)
	if err != nil {
		return nil, err
	}
	workers = append(workers, supervisor.Worker{Name: "edge-engine", Run: edgeEngine.Run})

	opportunityEngine, err := opportunity.New(opportunity.Config{
		Params: opportunity.Params{
			MinEV:                  settings.Opportunity.MinEV,
			MaxSpotAgeSeconds:      settings.Opportunity.MaxSpotAgeSeconds,
			MaxQuoteAgeSeconds:     settings.Opportunity.MaxQuoteAgeSeconds,
			MinSigmaPoints:         settings.Opportunity.MinSigmaPoints,
			MinSigmaHistorySeconds: settings.Opportunity.MinSigmaHistory,
			BestSideOnly:           settings.Opportunity.BestSideOnly,
			TopN:                   settings.Opportunity.TopN,
			StrategyVersion:        settings.Edge.StrategyVersion,
		},
		BatchCap:     settings.Bus.FetchBatchSize,
		FetchTimeout: settings.Bus.FetchTimeout,
		HookPath:     settings.Opportunity.DecisionHook,
		Source:       "opportunity",
		Environment:  env,
	}, b)
	if err != nil {
		return nil, err
	}
	workers = append(workers, supervisor.Worker{Name: "opportunity", Run: opportunityEngine.Run})

	executionEngine, err := execution.New(execution.Config{
		MaxOpenPositions:   settings.Execution.MaxOpenPositions,
		CooldownSeconds:    float64(settings.Execution.CooldownSeconds),
		KillSwitchPath:     settings.Execution.KillSwitchPath,
		BatchCap:           settings.Bus.FetchBatchSize,
		FetchTimeout:       settings.Bus.FetchTimeout,
		AlertRejectRate:    settings.Execution.AlertRejectRate,
		AlertMinOrders:     settings.Execution.AlertMinOrders,
		AlertWindowSeconds: float64(settings.Health.WindowSeconds),
		AlertCooldown:      settings.Execution.AlertCooldown,
		Source:             "execution",
		Environment:        env,
	}, b)
	if err != nil {
		return nil, err
	}
	workers = append(workers, supervisor.Worker{Name: "execution", Run: executionEngine.Run})

	if dsn := strings.TrimSpace(settings.Store.PGDSN); dsn != "" {
		if err := migrations.Apply(ctx, dsn, settings.Store.MigrationsDir); err != nil {
			return nil, err
		}
		pool, err := postgres.NewPool(ctx, settings.Store)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)

		proj, err := projector.New(projector.Config{
			BatchCap:          settings.Bus.FetchBatchSize,
			FetchTimeout:      settings.Bus.FetchTimeout,
			ReportEvery:       settings.Health.Every,
			LagAlertThreshold: settings.Bus.ConsumerLagAlertThreshold,
			Environment:       env,
		}, b, store)
		if err != nil {
			return nil, err
		}
		workers = append(workers, supervisor.Worker{Name: "projector", Run: proj.Run})

		reporter, err := health.New(health.Config{
			Every:         settings.Health.Every,
			WindowSeconds: settings.Health.WindowSeconds,
		}, store)
		if err != nil {
			return nil, err
		}
		workers = append(workers, supervisor.Worker{Name: "health", Run: reporter.Run})
	}

	return workers, nil
}

func selectWorkers(all []supervisor.Worker, filter string) ([]supervisor.Worker, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return all, nil
	}
	wanted := make(map[string]bool)
	for _, name := range strings.Split(filter, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			wanted[trimmed] = true
		}
	}
	var selected []supervisor.Worker
	for _, w := range all {
		if wanted[w.Name] {
			selected = append(selected, w)
			delete(wanted, w.Name)
		}
	}
	if len(wanted) > 0 {
		for name := range wanted {
			return nil, errs.New("pipeline", errs.CodeConfig,
				errs.WithMessage("unknown worker"),
				errs.WithContext("worker", name))
		}
	}
	if len(selected) == 0 {
		return nil, errs.New("pipeline", errs.CodeConfig,
			errs.WithMessage("worker filter selected nothing"))
	}
	return selected, nil
}

func workerNames(workers []supervisor.Worker) string {
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name)
	}
	return strings.Join(names, ",")
}

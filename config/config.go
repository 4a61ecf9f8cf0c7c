// Package config centralises runtime configuration for strikeline services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/strikeline/strikeline/errs"
)

// Environment identifies the runtime environment where strikeline operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BusSettings configures the durable event bus.
type BusSettings struct {
	// URL is the bus endpoint. file:// endpoints select the local
	// segment-journal backend rooted at the given directory.
	URL                       string        `yaml:"url"`
	RetentionHours            int           `yaml:"retention_hours"`
	DedupWindow               time.Duration `yaml:"dedup_window"`
	FetchBatchSize            int           `yaml:"fetch_batch_size"`
	FetchTimeout              time.Duration `yaml:"fetch_timeout"`
	ConsumerLagAlertThreshold int           `yaml:"consumer_lag_alert_threshold"`
}

// StoreSettings configures the relational store and the legacy local store.
type StoreSettings struct {
	PGDSN            string        `yaml:"pg_dsn"`
	DBPath           string        `yaml:"db_path"`
	PoolMin          int           `yaml:"pool_min"`
	PoolMax          int           `yaml:"pool_max"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MigrationsDir    string        `yaml:"migrations_dir"`
}

// VenueSettings aggregates external venue transport and credential configuration.
type VenueSettings struct {
	SpotWSURL        string        `yaml:"spot_ws_url"`
	RESTBaseURL      string        `yaml:"rest_base_url"`
	APIKey           string        `yaml:"-"`
	APISecret        string        `yaml:"-"`
	ProductID        string        `yaml:"product_id"`
	SeriesPrefix     string        `yaml:"series_prefix"`
	QuotePollEvery   time.Duration `yaml:"quote_poll_every"`
	MarketPollEvery  time.Duration `yaml:"market_poll_every"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// VolSettings parameterise the volatility estimator.
type VolSettings struct {
	BucketSeconds         int     `yaml:"bucket_seconds"`
	EwmaLambda            float64 `yaml:"ewma_lambda"`
	MinPoints             int     `yaml:"min_points"`
	MinHistorySpanSeconds int     `yaml:"min_history_span_seconds"`
	LookbackSeconds       int     `yaml:"lookback_seconds"`
	SigmaDefault          float64 `yaml:"sigma_default"`
	SigmaMax              float64 `yaml:"sigma_max"`
}

// EdgeSettings parameterise the edge engine.
type EdgeSettings struct {
	TickEvery          time.Duration `yaml:"tick_every"`
	BatchCap           int           `yaml:"batch_cap"`
	SpotHistoryCap     int           `yaml:"spot_history_cap"`
	MaxHorizonSeconds  int           `yaml:"max_horizon_seconds"`
	HorizonGraceSecs   int           `yaml:"horizon_grace_seconds"`
	PctBand            float64       `yaml:"pct_band"`
	TopN               int           `yaml:"top_n"`
	RequireQuotes      bool          `yaml:"require_quotes"`
	QuoteFreshnessSecs int           `yaml:"quote_freshness_seconds"`
	MinAskCents        float64       `yaml:"min_ask_cents"`
	MaxAskCents        float64       `yaml:"max_ask_cents"`
	StrategyVersion    string        `yaml:"strategy_version"`
}

// OpportunitySettings parameterise the opportunity engine gates.
type OpportunitySettings struct {
	MinEV              float64 `yaml:"min_ev"`
	MaxSpotAgeSeconds  float64 `yaml:"max_spot_age_seconds"`
	MaxQuoteAgeSeconds float64 `yaml:"max_quote_age_seconds"`
	MinSigmaPoints     int     `yaml:"min_sigma_points"`
	MinSigmaHistory    int     `yaml:"min_sigma_history_seconds"`
	BestSideOnly       bool    `yaml:"best_side_only"`
	TopN               int     `yaml:"top_n"`
	DecisionHook       string  `yaml:"decision_hook"`
}

// ExecutionSettings parameterise the paper execution engine.
type ExecutionSettings struct {
	MaxOpenPositions int           `yaml:"max_open_positions"`
	CooldownSeconds  int           `yaml:"cooldown_seconds"`
	MaxDailyLossPct  float64       `yaml:"max_daily_loss_pct"`
	MaxPositionPct   float64       `yaml:"max_position_pct"`
	KillSwitchPath   string        `yaml:"kill_switch_path"`
	AlertRejectRate  float64       `yaml:"alert_reject_rate"`
	AlertMinOrders   int           `yaml:"alert_min_orders"`
	AlertCooldown    time.Duration `yaml:"alert_cooldown"`
	QueueDepth       int           `yaml:"queue_depth"`
}

// HealthSettings parameterise the orchestrator's health publisher.
type HealthSettings struct {
	Every         time.Duration `yaml:"every"`
	WindowSeconds int           `yaml:"window_seconds"`
}

// TelemetrySettings configure the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// SupervisorSettings configure worker restart and periodic-job locking.
type SupervisorSettings struct {
	LockfilePath   string        `yaml:"lockfile_path"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
	RestartCap     time.Duration `yaml:"restart_cap"`
}

// Settings contains the strikeline configuration tree loaded from defaults,
// the optional YAML file, and environment overrides.
type Settings struct {
	Environment Environment         `yaml:"environment"`
	Bus         BusSettings         `yaml:"bus"`
	Store       StoreSettings       `yaml:"store"`
	Venue       VenueSettings       `yaml:"venue"`
	Vol         VolSettings         `yaml:"vol"`
	Edge        EdgeSettings        `yaml:"edge"`
	Opportunity OpportunitySettings `yaml:"opportunity"`
	Execution   ExecutionSettings   `yaml:"execution"`
	Health      HealthSettings      `yaml:"health"`
	Telemetry   TelemetrySettings   `yaml:"telemetry"`
	Supervisor  SupervisorSettings  `yaml:"supervisor"`
}

// Default returns the default strikeline configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Bus: BusSettings{
			URL:                       "file://./data/bus",
			RetentionHours:            168,
			DedupWindow:               120 * time.Second,
			FetchBatchSize:            100,
			FetchTimeout:              time.Second,
			ConsumerLagAlertThreshold: 5000,
		},
		Store: StoreSettings{
			PGDSN:            "",
			DBPath:           "",
			PoolMin:          1,
			PoolMax:          4,
			StatementTimeout: 5 * time.Second,
			MigrationsDir:    "",
		},
		Venue: VenueSettings{
			SpotWSURL:        "wss://ws-feed.exchange.coinbase.com",
			RESTBaseURL:      "https://api.elections.kalshi.com/trade-api/v2",
			APIKey:           "",
			APISecret:        "",
			ProductID:        "BTC-USD",
			SeriesPrefix:     "KXBTC",
			QuotePollEvery:   5 * time.Second,
			MarketPollEvery:  60 * time.Second,
			HTTPTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Vol: VolSettings{
			BucketSeconds:         5,
			EwmaLambda:            0.94,
			MinPoints:             30,
			MinHistorySpanSeconds: 1800,
			LookbackSeconds:       7200,
			SigmaDefault:          0.50,
			SigmaMax:              5.0,
		},
		Edge: EdgeSettings{
			TickEvery:          10 * time.Second,
			BatchCap:           500,
			SpotHistoryCap:     20000,
			MaxHorizonSeconds:  6 * 3600,
			HorizonGraceSecs:   3600,
			PctBand:            2.0,
			TopN:               6,
			RequireQuotes:      true,
			QuoteFreshnessSecs: 60,
			MinAskCents:        1,
			MaxAskCents:        99,
			StrategyVersion:    "v1",
		},
		Opportunity: OpportunitySettings{
			MinEV:              0.05,
			MaxSpotAgeSeconds:  30,
			MaxQuoteAgeSeconds: 60,
			MinSigmaPoints:     0,
			MinSigmaHistory:    0,
			BestSideOnly:       true,
			TopN:               0,
			DecisionHook:       "",
		},
		Execution: ExecutionSettings{
			MaxOpenPositions: 3,
			CooldownSeconds:  300,
			MaxDailyLossPct:  5,
			MaxPositionPct:   10,
			KillSwitchPath:   "./data/kill_switch",
			AlertRejectRate:  0.5,
			AlertMinOrders:   10,
			AlertCooldown:    5 * time.Minute,
			QueueDepth:       1024,
		},
		Health: HealthSettings{
			Every:         30 * time.Second,
			WindowSeconds: 3600,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "strikeline",
		},
		Supervisor: SupervisorSettings{
			LockfilePath:   "./data/strikeline.lock",
			RestartBackoff: time.Second,
			RestartCap:     60 * time.Second,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// the provided settings in place and returning them.
func FromEnv(cfg Settings) Settings {
	if env := strings.TrimSpace(os.Getenv("STRIKELINE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}

	if v := strings.TrimSpace(os.Getenv("BUS_URL")); v != "" {
		cfg.Bus.URL = v
	}
	if v, ok := envInt("BUS_STREAM_RETENTION_HOURS"); ok {
		cfg.Bus.RetentionHours = v
	}
	if v, ok := envInt("BUS_CONSUMER_LAG_ALERT_THRESHOLD"); ok {
		cfg.Bus.ConsumerLagAlertThreshold = v
	}

	if v := strings.TrimSpace(os.Getenv("PG_DSN")); v != "" {
		cfg.Store.PGDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_PATH")); v != "" {
		cfg.Store.DBPath = v
	}
	if v, ok := envInt("PG_POOL_MIN"); ok {
		cfg.Store.PoolMin = v
	}
	if v, ok := envInt("PG_POOL_MAX"); ok {
		cfg.Store.PoolMax = v
	}
	if v, ok := envInt("PG_STATEMENT_TIMEOUT_MS"); ok {
		cfg.Store.StatementTimeout = time.Duration(v) * time.Millisecond
	}

	if v, ok := envFloat("EV_MIN"); ok {
		cfg.Opportunity.MinEV = v
	}
	if v, ok := envInt("MAX_OPEN_POSITIONS"); ok {
		cfg.Execution.MaxOpenPositions = v
	}
	if v, ok := envInt("NO_NEW_ENTRIES_LAST_SECONDS"); ok {
		cfg.Execution.CooldownSeconds = v
	}
	if v, ok := envFloat("MAX_DAILY_LOSS_PCT"); ok {
		cfg.Execution.MaxDailyLossPct = v
	}
	if v, ok := envFloat("MAX_POSITION_PCT"); ok {
		cfg.Execution.MaxPositionPct = v
	}
	if v := strings.TrimSpace(os.Getenv("KILL_SWITCH_PATH")); v != "" {
		cfg.Execution.KillSwitchPath = v
	}

	if v := strings.TrimSpace(os.Getenv("VENUE_SPOT_WS_URL")); v != "" {
		cfg.Venue.SpotWSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_REST_BASE_URL")); v != "" {
		cfg.Venue.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_API_KEY")); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_API_SECRET")); v != "" {
		cfg.Venue.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_PRODUCT_ID")); v != "" {
		cfg.Venue.ProductID = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_SERIES_PREFIX")); v != "" {
		cfg.Venue.SeriesPrefix = v
	}

	if v := strings.TrimSpace(os.Getenv("OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	return cfg
}

// Validate checks invariants that must hold before any worker starts.
// Violations are config_error and terminate the process with exit code 2.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Bus.URL) == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("BUS_URL required"))
	}
	if s.Bus.DedupWindow < 120*time.Second {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("bus dedup window must be at least 120s"))
	}
	if s.Bus.FetchBatchSize <= 0 || s.Bus.FetchBatchSize > 500 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("bus fetch batch size must be in (0, 500]"))
	}
	if s.Bus.FetchTimeout <= 0 || s.Bus.FetchTimeout > time.Second {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("bus fetch timeout must be in (0, 1s]"))
	}
	if strings.TrimSpace(s.Store.PGDSN) == "" && strings.TrimSpace(s.Store.DBPath) == "" {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("one of PG_DSN or DB_PATH required"))
	}
	if s.Store.PoolMin < 0 || s.Store.PoolMax < s.Store.PoolMin {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("invalid PG pool bounds"))
	}
	if strings.TrimSpace(s.Venue.ProductID) == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("venue product_id required"))
	}
	if s.Vol.EwmaLambda <= 0 || s.Vol.EwmaLambda >= 1 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("ewma lambda must be in (0, 1)"))
	}
	if s.Vol.BucketSeconds < 1 || s.Vol.BucketSeconds > 3600 {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("vol bucket_seconds must be in [1, 3600]"))
	}
	return nil
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

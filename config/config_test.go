package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/strikeline/strikeline/errs"
)

func TestDefaultValidatesWithStore(t *testing.T) {
	cfg := Default()
	cfg.Store.PGDSN = "postgres://localhost:5432/strikeline"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
}

func TestValidateRequiresStore(t *testing.T) {
	cfg := Default()
	cfg.Store.PGDSN = ""
	cfg.Store.DBPath = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected config_error for missing store")
	}
	if !errs.IsCode(err, errs.CodeConfig) {
		t.Fatalf("expected config_error, got %v", err)
	}
}

func TestValidateRejectsShortDedupWindow(t *testing.T) {
	cfg := Default()
	cfg.Store.DBPath = "local.db"
	cfg.Bus.DedupWindow = 30 * time.Second
	if err := cfg.Validate(); !errs.IsCode(err, errs.CodeConfig) {
		t.Fatalf("expected config_error for dedup window < 120s, got %v", err)
	}
}

func TestValidateRejectsBadLambda(t *testing.T) {
	cfg := Default()
	cfg.Store.DBPath = "local.db"
	cfg.Vol.EwmaLambda = 1.0
	if err := cfg.Validate(); !errs.IsCode(err, errs.CodeConfig) {
		t.Fatalf("expected config_error for lambda out of range, got %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("EV_MIN", "0.08")
	t.Setenv("MAX_OPEN_POSITIONS", "7")
	t.Setenv("NO_NEW_ENTRIES_LAST_SECONDS", "120")
	t.Setenv("PG_STATEMENT_TIMEOUT_MS", "2500")
	t.Setenv("BUS_STREAM_RETENTION_HOURS", "24")

	cfg := FromEnv(Default())
	if cfg.Opportunity.MinEV != 0.08 {
		t.Fatalf("EV_MIN override: got %v", cfg.Opportunity.MinEV)
	}
	if cfg.Execution.MaxOpenPositions != 7 {
		t.Fatalf("MAX_OPEN_POSITIONS override: got %d", cfg.Execution.MaxOpenPositions)
	}
	if cfg.Execution.CooldownSeconds != 120 {
		t.Fatalf("cooldown override: got %d", cfg.Execution.CooldownSeconds)
	}
	if cfg.Store.StatementTimeout != 2500*time.Millisecond {
		t.Fatalf("statement timeout override: got %v", cfg.Store.StatementTimeout)
	}
	if cfg.Bus.RetentionHours != 24 {
		t.Fatalf("retention override: got %d", cfg.Bus.RetentionHours)
	}
}

func TestFromEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_OPEN_POSITIONS", "many")
	cfg := FromEnv(Default())
	if cfg.Execution.MaxOpenPositions != Default().Execution.MaxOpenPositions {
		t.Fatalf("malformed env var should not override default")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Bus.RetentionHours != Default().Bus.RetentionHours {
		t.Fatalf("expected default retention")
	}
}

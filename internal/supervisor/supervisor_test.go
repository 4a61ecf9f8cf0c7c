package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strikeline/strikeline/errs"
)

func testConfig() Config {
	return Config{
		RestartBackoff: 5 * time.Millisecond,
		RestartCap:     20 * time.Millisecond,
		Environment:    "test",
	}
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	sup, err := New(testConfig(), []Worker{{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errs.New("test", errs.CodeTransientIO, errs.WithMessage("crash"))
			}
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestSupervisorConfigErrorIsFatal(t *testing.T) {
	var otherStopped atomic.Bool

	sup, err := New(testConfig(), []Worker{
		{
			Name: "broken",
			Run: func(context.Context) error {
				return errs.New("test", errs.CodeConfig, errs.WithMessage("bad settings"))
			},
		},
		{
			Name: "healthy",
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				otherStopped.Store(true)
				return ctx.Err()
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := sup.Run(context.Background())
	if !errs.IsCode(runErr, errs.CodeConfig) {
		t.Fatalf("Run = %v, want config_error", runErr)
	}
	if !otherStopped.Load() {
		t.Fatalf("fatal failure must stop sibling workers")
	}
	if !IsFatal(runErr) {
		t.Fatalf("config error should be fatal")
	}
}

func TestSupervisorCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup, err := New(testConfig(), []Worker{{
		Name: "steady",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("clean shutdown should return nil, got %v", err)
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")

	release, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := AcquireLock(path); !errs.IsCode(err, errs.CodeConfig) {
		t.Fatalf("second acquire = %v, want config_error", err)
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("release must remove the lockfile")
	}
	release() // double release is a no-op

	release2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	release2()
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")
	// A pid that cannot be running.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	release, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("stale lock must be reclaimed: %v", err)
	}
	release()
}

package observability

import (
	"sync"
	"testing"
	"time"
)

type captureLogger struct {
	mu    sync.Mutex
	warns []string
}

func (c *captureLogger) Debug(string, ...Field) {}
func (c *captureLogger) Info(string, ...Field)  {}
func (c *captureLogger) Error(string, ...Field) {}

func (c *captureLogger) Warn(msg string, _ ...Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, msg)
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	prev := Log()
	defer SetLogger(prev)

	SetLogger(nil)
	if Log() == nil {
		t.Fatalf("expected non-nil logger after SetLogger(nil)")
	}
	Log().Info("should not panic")
}

func TestThrottleSuppressesWithinInterval(t *testing.T) {
	th := NewThrottle(time.Hour)
	if !th.Allow("insufficient_points") {
		t.Fatalf("first event should pass")
	}
	if th.Allow("insufficient_points") {
		t.Fatalf("second event within interval should be suppressed")
	}
	if !th.Allow("insufficient_history_span") {
		t.Fatalf("distinct key should pass independently")
	}
}

func TestThrottleWarnRoutesThroughGlobalLogger(t *testing.T) {
	prev := Log()
	defer SetLogger(prev)

	capture := &captureLogger{}
	SetLogger(capture)

	th := NewThrottle(time.Hour)
	th.Warn("reason", "sigma degraded")
	th.Warn("reason", "sigma degraded")

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.warns) != 1 {
		t.Fatalf("expected 1 warn, got %d", len(capture.warns))
	}
}

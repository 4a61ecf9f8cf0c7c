package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorStringIncludesServiceAndCode(t *testing.T) {
	err := New("projector", CodePersist, WithMessage("insert failed"))
	got := err.Error()
	if !strings.Contains(got, "service=projector") {
		t.Fatalf("missing service: %s", got)
	}
	if !strings.Contains(got, "code=persist_error") {
		t.Fatalf("missing code: %s", got)
	}
	if !strings.Contains(got, `message="insert failed"`) {
		t.Fatalf("missing message: %s", got)
	}
}

func TestErrorContextSortedDeterministically(t *testing.T) {
	err := New("bus", CodeParse,
		WithContext("subject", "market.spot_ticks"),
		WithContext("consumer", "projector"))
	got := err.Error()
	if strings.Index(got, "consumer=") > strings.Index(got, "subject=") {
		t.Fatalf("context keys not sorted: %s", got)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("collector", CodeTransientIO, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
}

func TestCodeOfUnwrapsWrappedEnvelope(t *testing.T) {
	inner := New("edge", CodeValidation, WithMessage("yes_bid > yes_ask"))
	wrapped := fmt.Errorf("apply quote: %w", inner)
	if got := CodeOf(wrapped); got != CodeValidation {
		t.Fatalf("CodeOf = %s, want validation_error", got)
	}
}

func TestCodeOfDefaultsToTransient(t *testing.T) {
	if got := CodeOf(errors.New("dial tcp: timeout")); got != CodeTransientIO {
		t.Fatalf("CodeOf plain error = %s, want transient_io", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeTransientIO, true},
		{CodeRateLimited, true},
		{CodeAuth, false},
		{CodeParse, false},
		{CodePersist, false},
		{CodeValidation, false},
		{CodeConfig, false},
	}
	for _, tc := range cases {
		err := New("test", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsCode(t *testing.T) {
	err := New("execution", CodeValidation)
	if !IsCode(err, CodeValidation) {
		t.Fatalf("expected IsCode match")
	}
	if IsCode(err, CodePersist) {
		t.Fatalf("unexpected IsCode match")
	}
	if IsCode(errors.New("plain"), CodeValidation) {
		t.Fatalf("plain error should not match")
	}
}

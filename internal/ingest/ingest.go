// Package ingest feeds the bus from the outside world: a websocket spot
// collector and a REST poller for quotes and contract metadata. Both retry
// transient_io themselves and surface only fatal errors.
package ingest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/schema"
)

func publish(ctx context.Context, b bus.Bus, typ schema.EventType, source string, tsEvent float64, payload schema.Payload) error {
	env, err := schema.NewEnvelope(typ, source, tsEvent, payload)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	headers := map[string]string{bus.HeaderMsgID: env.IdempotencyKey}
	return b.Publish(ctx, env.Subject(), env.IdempotencyKey, headers, raw)
}

// classifyStatus maps an HTTP response status to the error taxonomy.
// 2xx maps to nil.
func classifyStatus(status int, retryAfter string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New("ingest", errs.CodeAuth,
			errs.WithMessage("venue rejected credentials"),
			errs.WithContext("status", strconv.Itoa(status)))
	case status == http.StatusTooManyRequests:
		opts := []errs.Option{
			errs.WithMessage("venue rate limit"),
			errs.WithContext("status", strconv.Itoa(status)),
		}
		if retryAfter != "" {
			opts = append(opts, errs.WithContext("retry_after", retryAfter))
		}
		return errs.New("ingest", errs.CodeRateLimited, opts...)
	default:
		return errs.New("ingest", errs.CodeTransientIO,
			errs.WithMessage("venue request failed"),
			errs.WithContext("status", strconv.Itoa(status)))
	}
}

// retryAfterDelay parses a Retry-After header into a wait duration,
// falling back to the given default.
func retryAfterDelay(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

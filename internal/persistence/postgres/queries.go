package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/schema"
)

const (
	latestSpotTsSQL = `
SELECT MAX(ts) FROM event_store.state_spot_latest;
`

	latestQuoteTsSQL = `
SELECT MAX(ts) FROM event_store.state_quote_latest;
`

	latestEdgeAsofSQL = `
SELECT MAX(asof_ts) FROM event_store.strategy_edge_latest;
`

	countEventsSinceSQL = `
SELECT COUNT(*) FROM event_store.events_raw
WHERE event_type = @event_type AND ts_event >= @since_ts;
`

	countOrdersSinceSQL = `
SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE payload_json->>'status' = 'rejected')
FROM event_store.events_raw
WHERE event_type = @event_type AND ts_event >= @since_ts;
`
)

// LatestSpotTs returns the newest projected spot timestamp, or false when no
// spot tick has been projected yet.
func (s *Store) LatestSpotTs(ctx context.Context) (float64, bool, error) {
	return s.scalarTs(ctx, latestSpotTsSQL)
}

// LatestQuoteTs returns the newest projected quote timestamp.
func (s *Store) LatestQuoteTs(ctx context.Context) (float64, bool, error) {
	return s.scalarTs(ctx, latestQuoteTsSQL)
}

// LatestEdgeAsof returns the newest projected snapshot evaluation instant.
func (s *Store) LatestEdgeAsof(ctx context.Context) (float64, bool, error) {
	return s.scalarTs(ctx, latestEdgeAsofSQL)
}

func (s *Store) scalarTs(ctx context.Context, sql string) (float64, bool, error) {
	var ts *float64
	if err := s.pool.QueryRow(ctx, sql).Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errs.New("persistence", errs.CodeTransientIO,
			errs.WithMessage("query latest ts"), errs.WithCause(err))
	}
	if ts == nil {
		return 0, false, nil
	}
	return *ts, true, nil
}

// CountEventsSince counts stored raw events of the given type with
// ts_event at or after sinceTs.
func (s *Store) CountEventsSince(ctx context.Context, eventType schema.EventType, sinceTs float64) (int64, error) {
	args := pgx.NamedArgs{
		"event_type": string(eventType),
		"since_ts":   sinceTs,
	}
	var count int64
	if err := s.pool.QueryRow(ctx, countEventsSinceSQL, args).Scan(&count); err != nil {
		return 0, errs.New("persistence", errs.CodeTransientIO,
			errs.WithMessage("count events"), errs.WithCause(err),
			errs.WithContext("event_type", string(eventType)))
	}
	return count, nil
}

// CountOrdersSince counts stored execution orders with ts_event at or after
// sinceTs, splitting out the rejected ones.
func (s *Store) CountOrdersSince(ctx context.Context, sinceTs float64) (total, rejected int64, err error) {
	args := pgx.NamedArgs{
		"event_type": string(schema.EventTypeExecutionOrder),
		"since_ts":   sinceTs,
	}
	if err := s.pool.QueryRow(ctx, countOrdersSinceSQL, args).Scan(&total, &rejected); err != nil {
		return 0, 0, errs.New("persistence", errs.CodeTransientIO,
			errs.WithMessage("count orders"), errs.WithCause(err))
	}
	return total, rejected, nil
}

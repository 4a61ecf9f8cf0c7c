// Package sqlite provides the legacy single-file snapshot store used when
// the pipeline runs without Postgres (DB_PATH mode).
package sqlite

import (
	"context"
	"database/sql"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/schema"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS edge_snapshots (
    asof_ts          REAL NOT NULL,
    market_id        TEXT NOT NULL,
    strategy_version TEXT NOT NULL,
    snapshot_json    TEXT NOT NULL,
    PRIMARY KEY (asof_ts, market_id, strategy_version)
);

CREATE INDEX IF NOT EXISTS edge_snapshots_market_idx
    ON edge_snapshots (market_id, asof_ts DESC);
`

const insertSQL = `
INSERT OR IGNORE INTO edge_snapshots (asof_ts, market_id, strategy_version, snapshot_json)
VALUES (?, ?, ?, ?);
`

const latestSQL = `
SELECT snapshot_json FROM edge_snapshots
WHERE market_id = ?
ORDER BY asof_ts DESC
LIMIT 1;
`

// Store writes edge snapshots into a local SQLite file. It satisfies
// edge.SnapshotSink.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the snapshot store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New("sqlite", errs.CodeTransientIO,
			errs.WithMessage("open snapshot store"), errs.WithCause(err),
			errs.WithContext("path", path))
	}
	// The driver is in-process; a single writer avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, errs.New("sqlite", errs.CodePersist,
			errs.WithMessage("create snapshot schema"), errs.WithCause(err))
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSnapshot persists one snapshot keyed by (asof_ts, market_id,
// strategy_version). Replays of the same snapshot are ignored.
func (s *Store) SaveSnapshot(ctx context.Context, snap *schema.EdgeSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errs.New("sqlite", errs.CodeValidation,
			errs.WithMessage("encode snapshot"), errs.WithCause(err),
			errs.WithContext("market_id", snap.MarketID))
	}
	if _, err := s.db.ExecContext(ctx, insertSQL,
		snap.AsofTs, snap.MarketID, snap.StrategyVersion, string(raw)); err != nil {
		return errs.New("sqlite", errs.CodePersist,
			errs.WithMessage("insert snapshot"), errs.WithCause(err),
			errs.WithContext("market_id", snap.MarketID))
	}
	return nil
}

// LatestSnapshot returns the newest stored snapshot for a market, or nil
// when the market has none.
func (s *Store) LatestSnapshot(ctx context.Context, marketID string) (*schema.EdgeSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, latestSQL, marketID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New("sqlite", errs.CodeTransientIO,
			errs.WithMessage("query latest snapshot"), errs.WithCause(err),
			errs.WithContext("market_id", marketID))
	}
	var snap schema.EdgeSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, errs.New("sqlite", errs.CodeParse,
			errs.WithMessage("decode stored snapshot"), errs.WithCause(err),
			errs.WithContext("market_id", marketID))
	}
	return &snap, nil
}

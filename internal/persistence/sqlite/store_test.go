package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/strikeline/strikeline/internal/schema"
)

func f64(v float64) *float64 { return &v }

func testSnapshot(market string, asof float64) *schema.EdgeSnapshot {
	return &schema.EdgeSnapshot{
		AsofTs:          asof,
		MarketID:        market,
		SpotTs:          asof - 1,
		SpotPrice:       65000,
		SigmaAnnualized: 0.5,
		ProbYes:         f64(0.62),
		HorizonSeconds:  1800,
		SpotAgeSeconds:  1,
		SigmaQuality:    schema.SigmaQuality{Ok: true, Source: "ewma"},
		StrategyVersion: "v1",
	}
}

func TestSaveAndLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.SaveSnapshot(ctx, testSnapshot("M1", 1000)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := store.SaveSnapshot(ctx, testSnapshot("M1", 1010)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	latest, err := store.LatestSnapshot(ctx, "M1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest == nil || latest.AsofTs != 1010 {
		t.Fatalf("latest = %+v, want asof 1010", latest)
	}
	if latest.ProbYes == nil || *latest.ProbYes != 0.62 {
		t.Fatalf("snapshot fields must round-trip: %+v", latest)
	}
}

func TestSaveSnapshotReplayIgnored(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	snap := testSnapshot("M1", 1000)
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("replay must be a no-op: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edge_snapshots`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestLatestSnapshotUnknownMarket(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	latest, err := store.LatestSnapshot(ctx, "NOPE")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest != nil {
		t.Fatalf("unknown market should yield nil, got %+v", latest)
	}
}

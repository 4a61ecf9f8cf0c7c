package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/strikeline/strikeline/internal/persistence/migrations"
	pgstore "github.com/strikeline/strikeline/internal/persistence/postgres"
	"github.com/strikeline/strikeline/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "strikeline"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/strikeline?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, ""); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func mustEnvelope(t *testing.T, typ schema.EventType, ts float64, payload schema.Payload) *schema.Envelope {
	t.Helper()
	env, err := schema.NewEnvelope(typ, "contract-test", ts, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestApplyEnvelopeIdempotent(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool)

	seq := int64(7)
	tick := &schema.SpotTick{Ts: 1000, ProductID: "BTC-USD", Price: 65000, SequenceNum: &seq}
	env := mustEnvelope(t, schema.EventTypeSpotTick, 1000, tick)

	inserted, err := store.ApplyEnvelope(ctx, env, tick)
	if err != nil {
		t.Fatalf("ApplyEnvelope: %v", err)
	}
	if !inserted {
		t.Fatalf("first apply must insert")
	}

	inserted, err = store.ApplyEnvelope(ctx, env, tick)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if inserted {
		t.Fatalf("replay must be a no-op")
	}

	var count int64
	err = testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_store.events_raw WHERE idempotency_key = $1`,
		env.IdempotencyKey).Scan(&count)
	if err != nil {
		t.Fatalf("count raw: %v", err)
	}
	if count != 1 {
		t.Fatalf("raw rows = %d, want 1", count)
	}

	var price float64
	err = testPool.QueryRow(ctx,
		`SELECT price FROM event_store.state_spot_latest WHERE product_id = $1`,
		"BTC-USD").Scan(&price)
	if err != nil {
		t.Fatalf("projection row: %v", err)
	}
	if price != 65000 {
		t.Fatalf("projected price = %v", price)
	}
}

func TestContractProjectionCoalesces(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool)

	full := &schema.ContractUpdate{
		Ticker:     "KXBTC-COALESCE",
		Lower:      f64(65000),
		Upper:      f64(65500),
		StrikeType: schema.StrikeBetween,
		CloseTs:    f64(2000),
	}
	if _, err := store.ApplyEnvelope(ctx, mustEnvelope(t, schema.EventTypeContractUpdate, 1000, full), full); err != nil {
		t.Fatalf("apply full: %v", err)
	}

	// Settlement-only update: bounds must survive the merge.
	settle := &schema.ContractUpdate{
		Ticker:    "KXBTC-COALESCE",
		SettledTs: f64(2100),
		Outcome:   iptr(1),
	}
	if _, err := store.ApplyEnvelope(ctx, mustEnvelope(t, schema.EventTypeContractUpdate, 1100, settle), settle); err != nil {
		t.Fatalf("apply settle: %v", err)
	}

	var (
		lower, upper *float64
		outcome      *int
	)
	err := testPool.QueryRow(ctx,
		`SELECT lower_bound, upper_bound, outcome FROM event_store.state_contract_latest WHERE ticker = $1`,
		"KXBTC-COALESCE").Scan(&lower, &upper, &outcome)
	if err != nil {
		t.Fatalf("projection row: %v", err)
	}
	if lower == nil || *lower != 65000 || upper == nil || *upper != 65500 {
		t.Fatalf("bounds lost in merge: %v %v", lower, upper)
	}
	if outcome == nil || *outcome != 1 {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestHealthQueries(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool)

	reason := "below threshold"
	rejected := &schema.ExecutionOrder{
		TsOrder:  3000,
		OrderID:  "order-rejected-1",
		MarketID: "KXBTC-H",
		Side:     schema.SideYes,
		Action:   schema.ActionOpen,
		Quantity: 1,
		Status:   schema.StatusRejected,
		Reason:   &reason,
		Paper:    true,
	}
	filled := &schema.ExecutionOrder{
		TsOrder:    3001,
		OrderID:    "order-filled-1",
		MarketID:   "KXBTC-H",
		Side:       schema.SideNo,
		Action:     schema.ActionOpen,
		Quantity:   1,
		PriceCents: f64(44),
		Status:     schema.StatusFilled,
		Paper:      true,
	}
	for _, order := range []*schema.ExecutionOrder{rejected, filled} {
		if _, err := store.ApplyEnvelope(ctx, mustEnvelope(t, schema.EventTypeExecutionOrder, order.TsOrder, order), order); err != nil {
			t.Fatalf("apply order: %v", err)
		}
	}

	total, gotRejected, err := store.CountOrdersSince(ctx, 2999)
	if err != nil {
		t.Fatalf("CountOrdersSince: %v", err)
	}
	if total < 2 || gotRejected < 1 {
		t.Fatalf("orders = %d rejected = %d", total, gotRejected)
	}

	ts, ok, err := store.LatestSpotTs(ctx)
	if err != nil {
		t.Fatalf("LatestSpotTs: %v", err)
	}
	if !ok || ts <= 0 {
		t.Fatalf("latest spot = %v %v", ts, ok)
	}
}

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/eventlog"
	"github.com/MrWong99/earshot/internal/eventlog/postgres"
)

// testDSN returns the integration database DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EARSHOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARSHOT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a store on a freshly created wake_events table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS wake_events CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_BadDSN(t *testing.T) {
	t.Parallel()

	if _, err := postgres.New(t.Context(), "::not a dsn::"); err == nil {
		t.Fatal("New with a malformed DSN should fail")
	}
}

func TestStore_AppendRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	det := uuid.New()
	events := []eventlog.Event{
		{ID: uuid.New(), Kind: eventlog.KindDetection, DetectionID: det, WakeWord: "hey earshot", Transcript: "hey earshot", Score: 0.92, Confirmed: true, At: base},
		{ID: uuid.New(), Kind: eventlog.KindConfirmation, DetectionID: det, WakeWord: "hey earshot", Score: 0.8, Method: "server-confirmed", Confirmed: true, At: base.Add(time.Second)},
		{ID: uuid.New(), Kind: eventlog.KindConfirmation, DetectionID: uuid.New(), WakeWord: "computer", Score: 0.5, Method: "client-fallback", Error: "unreachable", At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Duplicate ids are ignored.
	if err := store.Append(ctx, events[0]); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) len = %d", len(got))
	}
	if got[0].ID != events[2].ID || got[1].ID != events[1].ID {
		t.Errorf("Recent order = %v, %v", got[0].ID, got[1].ID)
	}
	if got[0].Kind != eventlog.KindConfirmation || got[0].Error != "unreachable" || got[0].Method != "client-fallback" {
		t.Errorf("Recent[0] = %+v", got[0])
	}

	all, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(0) len = %d, want 3", len(all))
	}
}

func TestStore_RecentEmpty(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Recent(t.Context(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Recent on empty table = %#v", got)
	}
}

package ledger_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"homeostat/internal/db"
	"homeostat/internal/domain"
	"homeostat/internal/ledger"
	"homeostat/internal/migrate"
)

const at = "2024-01-01T00:00:00.000000000Z"

func newSQLiteStore(t *testing.T) ledger.SQLiteStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.SQLiteStore{DB: conn}
}

func newPostgresStore(t *testing.T) *ledger.PostgresStore {
	t.Helper()
	dsn := os.Getenv("HOMEOSTAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOMEOSTAT_TEST_POSTGRES_DSN not set")
	}
	s, err := ledger.OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func stores(t *testing.T) map[string]ledger.Store {
	out := map[string]ledger.Store{"sqlite": newSQLiteStore(t)}
	if os.Getenv("HOMEOSTAT_TEST_POSTGRES_DSN") != "" {
		out["postgres"] = newPostgresStore(t)
	}
	return out
}

func request(key string) ledger.ReserveRequest {
	return ledger.ReserveRequest{
		BoundaryOrganismID: "boundary",
		ActionOrganismID:   "action",
		IdempotencyKey:     key,
		CycleID:            "cycle-1",
		At:                 at,
	}
}

func TestReserveLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "key-" + uuid.NewString()

			if _, err := store.Peek(ctx, key); !errors.Is(err, ledger.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			first, err := store.Reserve(ctx, request(key))
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if first.Outcome != ledger.Acquired || first.Execution.Status != domain.ExecutionProcessing || first.Execution.AttemptCount != 1 {
				t.Fatalf("unexpected first reservation %+v", first)
			}

			// a crashed attempt leaves the row processing; the next reserve retries it
			retry, err := store.Reserve(ctx, request(key))
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if retry.Outcome != ledger.Retried || retry.Execution.AttemptCount != 2 || retry.Execution.ID != first.Execution.ID {
				t.Fatalf("unexpected retry %+v", retry)
			}

			if err := store.Complete(ctx, retry.Execution.ID, domain.ExecutionFailed, nil, strings.Repeat("x", 900), at); err != nil {
				t.Fatalf("complete failed: %v", err)
			}
			failed, err := store.Peek(ctx, key)
			if err != nil || failed.Status != domain.ExecutionFailed || len(failed.LastError) != 500 {
				t.Fatalf("expected failed row with truncated error, got %+v err=%v", failed, err)
			}

			again, err := store.Reserve(ctx, request(key))
			if err != nil || again.Outcome != ledger.Retried || again.Execution.AttemptCount != 3 {
				t.Fatalf("expected failed row to be retried, got %+v err=%v", again, err)
			}
			if err := store.Complete(ctx, again.Execution.ID, domain.ExecutionSucceeded, map[string]any{"pr": float64(7)}, "", at); err != nil {
				t.Fatalf("complete: %v", err)
			}
			handled, err := store.Reserve(ctx, request(key))
			if err != nil || handled.Outcome != ledger.Handled {
				t.Fatalf("expected handled, got %+v err=%v", handled, err)
			}
			if handled.Execution.Result["pr"] != float64(7) {
				t.Fatalf("expected stored result, got %+v", handled.Execution.Result)
			}
		})
	}
}

func TestConcurrentReserveHasOneOwner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "race-" + uuid.NewString()
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				acquired int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := store.Reserve(ctx, request(key))
					if err != nil {
						t.Errorf("reserve: %v", err)
						return
					}
					if r.Outcome == ledger.Acquired {
						mu.Lock()
						acquired++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if acquired != 1 {
				t.Fatalf("expected exactly one acquired reservation, got %d", acquired)
			}
		})
	}
}

func TestCompleteRejectsProcessing(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	r, err := store.Reserve(ctx, request("k"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, r.Execution.ID, domain.ExecutionProcessing, nil, "", at); err == nil {
		t.Fatalf("expected error for non-terminal status")
	}
	if err := store.Complete(ctx, "missing", domain.ExecutionSucceeded, nil, "", at); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAndRuntimeLog(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		if _, err := store.Reserve(ctx, request(key)); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	rows, err := store.List(ctx, ledger.Filter{BoundaryOrganismID: "boundary", Status: domain.ExecutionProcessing})
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d err=%v", len(rows), err)
	}

	for i, stage := range []string{"cycle.started", "cycle.completed"} {
		if err := store.AppendRuntimeLog(ctx, domain.RuntimeLogEntry{
			ID:         []string{"01A", "01B"}[i],
			CycleID:    "cycle-1",
			Stage:      stage,
			Payload:    map[string]any{"n": i},
			OccurredAt: at,
		}); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	entries, err := store.ListRuntimeLog(ctx, "cycle-1", 0)
	if err != nil || len(entries) != 2 || entries[0].Stage != "cycle.started" {
		t.Fatalf("unexpected log entries %+v err=%v", entries, err)
	}
}

func TestTruncateErrorKeepsRunes(t *testing.T) {
	s := strings.Repeat("é", 400)
	got := ledger.TruncateError(s)
	if len(got) > 500 || !strings.HasPrefix(s, got) || len(got)%2 != 0 {
		t.Fatalf("bad truncation: %d bytes", len(got))
	}
}

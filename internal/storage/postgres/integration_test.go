//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/audit"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecutions_ConcurrentAppend(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()
	session := uuid.NewString()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Executions().Append(ctx, audit.Record{
				SessionID: session,
				Outcome:   "stdout",
				Status:    200,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var count int64
	if err := db.GormDB().Model(&ExecutionRecordModel{}).Where("session_id = ?", session).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != writers {
		t.Errorf("count = %d, want %d", count, writers)
	}
}

func TestExecutions_PruneBefore(t *testing.T) {
	db := testDB(t)
	repo := NewExecutionRepository(db.GormDB())
	ctx := context.Background()
	session := uuid.NewString()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := repo.Append(ctx, audit.Record{SessionID: session, Outcome: "timeout", Status: 500, CreatedAt: old}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := repo.PruneBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var count int64
	db.GormDB().Model(&ExecutionRecordModel{}).Where("session_id = ?", session).Count(&count)
	if count != 0 {
		t.Errorf("old record survived pruning")
	}
}

func TestPing(t *testing.T) {
	db := testDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

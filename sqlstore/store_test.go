package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/DEEJ4Y/leasecron/internal/storetest"
	"github.com/jonboulle/clockwork"
)

var epoch = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leasecron.db")
	db, err := Open(SQLite, "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// openFromEnv connects to the database named by env, or skips the test.
func openFromEnv(t *testing.T, dialect Dialect, env string) *sql.DB {
	t.Helper()
	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("%s not set, skipping %s tests", env, dialect)
	}
	db, err := Open(dialect, dsn)
	if err != nil {
		t.Fatalf("open %s: %v", dialect, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("%s not reachable: %v", dialect, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func harness(t *testing.T, db *sql.DB, dialect Dialect) storetest.Harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	store, err := NewStore(Config{DB: db, Dialect: dialect, Clock: clock})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storetest.Harness{Leases: store, Ledger: store, Advance: clock.Advance}
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		return harness(t, openSQLite(t), SQLite)
	})
}

func TestPostgres(t *testing.T) {
	db := openFromEnv(t, Postgres, "LEASECRON_POSTGRES_DSN")
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		return harness(t, db, Postgres)
	})
}

func TestSQLServer(t *testing.T) {
	db := openFromEnv(t, SQLServer, "LEASECRON_SQLSERVER_DSN")
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		return harness(t, db, SQLServer)
	})
}

func TestNewStore(t *testing.T) {
	db := openSQLite(t)

	t.Run("requires db", func(t *testing.T) {
		if _, err := NewStore(Config{Dialect: SQLite}); err == nil {
			t.Error("expected error when db is nil")
		}
	})

	t.Run("requires dialect", func(t *testing.T) {
		if _, err := NewStore(Config{DB: db}); err == nil {
			t.Error("expected error when dialect is missing")
		}
	})

	t.Run("rejects unsafe table names", func(t *testing.T) {
		if _, err := NewStore(Config{DB: db, Dialect: SQLite, LeaseTable: "leases; DROP TABLE x"}); err == nil {
			t.Error("expected error for invalid table name")
		}
	})

	t.Run("migrate is idempotent", func(t *testing.T) {
		store, err := NewStore(Config{DB: db, Dialect: SQLite, LeaseTable: "l2", ExecutionTable: "e2"})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := store.Migrate(context.Background()); err != nil {
				t.Fatalf("migrate #%d: %v", i+1, err)
			}
		}
	})
}

func TestRebind(t *testing.T) {
	query := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{Postgres, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3"},
		{SQLServer, "UPDATE t SET a = @p1 WHERE b = @p2 AND c = @p3"},
		{SQLite, query},
	}
	for _, tt := range tests {
		t.Run(tt.dialect.String(), func(t *testing.T) {
			if got := tt.dialect.rebind(query); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseDialect(t *testing.T) {
	for name, want := range map[string]Dialect{
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		"mssql":      SQLServer,
		"sqlserver":  SQLServer,
		"sqlite3":    SQLite,
	} {
		got, err := ParseDialect(name)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected error for unsupported dialect")
	}
}

func TestExecutions(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(Config{DB: openSQLite(t), Dialect: SQLite})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for i := 0; i < 3; i++ {
		occurrence := epoch.Add(time.Duration(i) * time.Hour)
		_, err := store.InsertIfAbsent(ctx, leasecron.ExecutionRecord{
			ExecutionID:  leasecron.ExecutionID("hourly", occurrence),
			JobName:      "hourly",
			Occurrence:   occurrence,
			HolderID:     "instance-a",
			FencingToken: int64(i + 1),
			Status:       leasecron.StatusStarted,
			StartedAt:    occurrence,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recs, err := store.Executions(ctx, "hourly")
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if !strings.HasSuffix(recs[0].ExecutionID, "T02:00:00Z") {
		t.Errorf("expected most recent occurrence first, got %s", recs[0].ExecutionID)
	}
}

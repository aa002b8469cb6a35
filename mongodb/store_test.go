package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/DEEJ4Y/leasecron/internal/storetest"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var epoch = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

// connect returns a database unique to this test, or skips the test when
// MongoDB is not available.
func connect(t *testing.T) *mongo.Database {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("Skipping test: Cannot ping MongoDB: %v", err)
	}

	db := client.Database(fmt.Sprintf("leasecron_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db
}

func newTestStore(t *testing.T, db *mongo.Database, clock clockwork.Clock) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Leases:     db.Collection("leases"),
		Executions: db.Collection("executions"),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}
	return store
}

func TestConformance(t *testing.T) {
	db := connect(t)
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := clockwork.NewFakeClockAt(epoch)
		store := newTestStore(t, db, clock)
		return storetest.Harness{Leases: store, Ledger: store, Advance: clock.Advance}
	})
}

func TestNewStore(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Error("expected error when collections are nil")
	}
}

func TestExecutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, connect(t), nil)

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

	recs, err := store.Executions(ctx, "hourly", 2)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].Occurrence.Equal(epoch.Add(2 * time.Hour)) {
		t.Errorf("expected most recent occurrence first, got %v", recs[0].Occurrence)
	}
}

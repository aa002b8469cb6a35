// Package storetest runs a common battery of tests against LeaseStore and
// Ledger implementations.
package storetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/google/uuid"
)

// TTL is the lease duration used by the tests. It is short enough for
// backends whose expiry runs on a real clock.
const TTL = 300 * time.Millisecond

// Harness is one fresh view of the backend under test.
type Harness struct {
	Leases leasecron.LeaseStore
	Ledger leasecron.Ledger

	// Advance moves the clock the backend evaluates lease expiry on.
	Advance func(d time.Duration)
}

// Run executes every conformance test. newHarness is called once per test.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("AcquireIsExclusive", func(t *testing.T) { testAcquireIsExclusive(t, newHarness(t)) })
	t.Run("ReleaseKeepsFencingSequence", func(t *testing.T) { testReleaseKeepsFencingSequence(t, newHarness(t)) })
	t.Run("ExpiryEnablesFailover", func(t *testing.T) { testExpiryEnablesFailover(t, newHarness(t)) })
	t.Run("StaleHolderIsFenced", func(t *testing.T) { testStaleHolderIsFenced(t, newHarness(t)) })
	t.Run("RenewExtendsLease", func(t *testing.T) { testRenewExtendsLease(t, newHarness(t)) })
	t.Run("LookupMissing", func(t *testing.T) { testLookupMissing(t, newHarness(t)) })
	t.Run("LedgerInsertIfAbsent", func(t *testing.T) { testLedgerInsertIfAbsent(t, newHarness(t)) })
	t.Run("LedgerUpdateRequiresToken", func(t *testing.T) { testLedgerUpdateRequiresToken(t, newHarness(t)) })
	t.Run("LedgerConcurrentInsert", func(t *testing.T) { testLedgerConcurrentInsert(t, newHarness(t)) })
}

// JobName returns a job name unique to this test run, so that backends
// kept across runs start every test from an unused lease.
func JobName(t *testing.T) string {
	name := strings.NewReplacer("/", "-", " ", "_").Replace(t.Name())
	return name + "-" + uuid.NewString()[:8]
}

var occurrence = time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)

func testAcquireIsExclusive(t *testing.T, h Harness) {
	ctx := context.Background()
	job := JobName(t)

	const contenders = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []leasecron.Lease
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			lease, ok, err := h.Leases.Acquire(ctx, job, "holder-"+string(rune('a'+i)), time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			}
			if ok {
				winners = append(winners, lease)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range failures {
		t.Errorf("acquire: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if winners[0].FencingToken != 1 {
		t.Errorf("expected first fencing token 1, got %d", winners[0].FencingToken)
	}
	if winners[0].JobName != job {
		t.Errorf("expected job %s, got %s", job, winners[0].JobName)
	}
}

func testReleaseKeepsFencingSequence(t *testing.T, h Harness) {
	ctx := context.Background()
	job := JobName(t)

	first, ok, err := h.Leases.Acquire(ctx, job, "instance-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if err := h.Leases.Release(ctx, job, "instance-a", first.FencingToken); err != nil {
		t.Fatalf("release: %v", err)
	}

	released, found, err := h.Leases.Lookup(ctx, job)
	if err != nil || !found {
		t.Fatalf("lookup after release: found=%v err=%v", found, err)
	}
	if released.HolderID != "" {
		t.Errorf("expected no holder after release, got %q", released.HolderID)
	}

	second, ok, err := h.Leases.Acquire(ctx, job, "instance-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	if second.FencingToken != first.FencingToken+1 {
		t.Errorf("expected fencing token %d, got %d", first.FencingToken+1, second.FencingToken)
	}

	current, _, _ := h.Leases.Lookup(ctx, job)
	if current.HolderID != "instance-b" || current.FencingToken != second.FencingToken {
		t.Errorf("unexpected lease %+v", current)
	}
}

func testExpiryEnablesFailover(t *testing.T, h Harness) {
	ctx := context.Background()
	job := JobName(t)

	first, ok, err := h.Leases.Acquire(ctx, job, "crashed", TTL)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := h.Leases.Acquire(ctx, job, "standby", TTL); ok {
		t.Fatal("expected acquire of a live lease to fail")
	}

	h.Advance(TTL + TTL/3)

	second, ok, err := h.Leases.Acquire(ctx, job, "standby", TTL)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	if second.FencingToken <= first.FencingToken {
		t.Errorf("expected fencing token above %d, got %d", first.FencingToken, second.FencingToken)
	}
	if second.HolderID != "standby" {
		t.Errorf("expected holder standby, got %s", second.HolderID)
	}
}

func testStaleHolderIsFenced(t *testing.T, h Harness) {
	ctx := context.Background()
	job := JobName(t)

	stale, _, _ := h.Leases.Acquire(ctx, job, "zombie", TTL)
	h.Advance(TTL + TTL/3)
	fresh, ok, err := h.Leases.Acquire(ctx, job, "successor", time.Minute)
	if err != nil || !ok {
		t.Fatalf("successor acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, err := h.Leases.Renew(ctx, job, "zombie", stale.FencingToken, TTL); err != nil || ok {
		t.Errorf("expected stale renew to be refused, ok=%v err=%v", ok, err)
	}
	if err := h.Leases.Release(ctx, job, "zombie", stale.FencingToken); err != nil {
		t.Errorf("stale release: %v", err)
	}
	if _, ok, _ := h.Leases.Renew(ctx, job, "successor", fresh.FencingToken-1, time.Minute); ok {
		t.Error("expected renew with an old token to be refused")
	}

	current, _, _ := h.Leases.Lookup(ctx, job)
	if current.HolderID != "successor" || current.FencingToken != fresh.FencingToken {
		t.Errorf("expected successor lease to survive, got %+v", current)
	}
	if _, ok, err := h.Leases.Renew(ctx, job, "successor", fresh.FencingToken, time.Minute); err != nil || !ok {
		t.Errorf("expected successor renew to succeed, ok=%v err=%v", ok, err)
	}
}

func testRenewExtendsLease(t *testing.T, h Harness) {
	ctx := context.Background()
	job := JobName(t)

	lease, ok, err := h.Leases.Acquire(ctx, job, "worker", TTL)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	h.Advance(TTL * 2 / 3)
	renewed, ok, err := h.Leases.Renew(ctx, job, "worker", lease.FencingToken, TTL)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	if renewed.FencingToken != lease.FencingToken {
		t.Errorf("renew must keep the fencing token, got %d want %d", renewed.FencingToken, lease.FencingToken)
	}
	if !renewed.ExpiresAt.After(lease.ExpiresAt) {
		t.Errorf("expected expiry to move past %v, got %v", lease.ExpiresAt, renewed.ExpiresAt)
	}

	// Past the original expiry, but within the renewed one.
	h.Advance(TTL * 2 / 3)
	if _, ok, _ := h.Leases.Acquire(ctx, job, "standby", TTL); ok {
		t.Error("expected renewed lease to still be held")
	}
}

func testLookupMissing(t *testing.T, h Harness) {
	_, found, err := h.Leases.Lookup(context.Background(), JobName(t))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found {
		t.Error("expected no lease for an unknown job")
	}
}

func newRecord(t *testing.T, token int64) leasecron.ExecutionRecord {
	job := JobName(t)
	return leasecron.ExecutionRecord{
		ExecutionID:  leasecron.ExecutionID(job, occurrence),
		JobName:      job,
		Occurrence:   occurrence,
		HolderID:     "instance-a",
		FencingToken: token,
		Status:       leasecron.StatusStarted,
		StartedAt:    occurrence.Add(150 * time.Millisecond),
	}
}

func testLedgerInsertIfAbsent(t *testing.T, h Harness) {
	ctx := context.Background()
	rec := newRecord(t, 7)

	inserted, err := h.Ledger.InsertIfAbsent(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	dup := rec
	dup.HolderID = "instance-b"
	dup.FencingToken = 8
	inserted, err = h.Ledger.InsertIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("expected duplicate insert to be refused")
	}

	got, found, err := h.Ledger.Get(ctx, rec.ExecutionID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.HolderID != "instance-a" || got.FencingToken != 7 {
		t.Errorf("expected the first insert to win, got %+v", got)
	}
	if got.JobName != rec.JobName || got.Status != leasecron.StatusStarted {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.Occurrence.Equal(rec.Occurrence) || !got.StartedAt.Equal(rec.StartedAt) {
		t.Errorf("times not preserved: occurrence %v started %v", got.Occurrence, got.StartedAt)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("expected no completion time, got %v", got.CompletedAt)
	}

	if _, found, err := h.Ledger.Get(ctx, rec.ExecutionID+"-missing"); err != nil || found {
		t.Errorf("expected missing record, found=%v err=%v", found, err)
	}
}

func testLedgerUpdateRequiresToken(t *testing.T, h Harness) {
	ctx := context.Background()
	rec := newRecord(t, 3)
	if _, err := h.Ledger.InsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	done := occurrence.Add(time.Minute)
	err := h.Ledger.Update(ctx, rec.ExecutionID, leasecron.ExecutionUpdate{
		FencingToken: 2,
		Status:       leasecron.StatusSucceeded,
		CompletedAt:  done,
	})
	if !errors.Is(err, leasecron.ErrRecordNotOwned) {
		t.Errorf("expected ErrRecordNotOwned for a stale token, got %v", err)
	}

	err = h.Ledger.Update(ctx, rec.ExecutionID+"-missing", leasecron.ExecutionUpdate{FencingToken: 3, Status: leasecron.StatusFailed})
	if !errors.Is(err, leasecron.ErrRecordNotOwned) {
		t.Errorf("expected ErrRecordNotOwned for a missing record, got %v", err)
	}

	err = h.Ledger.Update(ctx, rec.ExecutionID, leasecron.ExecutionUpdate{
		FencingToken: 3,
		Status:       leasecron.StatusFailed,
		CompletedAt:  done,
		Error:        "upstream timeout",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _, err := h.Ledger.Get(ctx, rec.ExecutionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != leasecron.StatusFailed || got.Error != "upstream timeout" {
		t.Errorf("unexpected terminal state %+v", got)
	}
	if !got.CompletedAt.Equal(done) {
		t.Errorf("expected completion %v, got %v", done, got.CompletedAt)
	}
}

func testLedgerConcurrentInsert(t *testing.T, h Harness) {
	ctx := context.Background()
	rec := newRecord(t, 1)

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.Ledger.InsertIfAbsent(ctx, rec)
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("expected exactly one insert, got %d", inserted)
	}
}

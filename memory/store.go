// Package memory provides an in-process LeaseStore and Ledger.
//
// It coordinates goroutines and Scheduler instances living in the same
// process only. It does not persist anything and is meant for tests,
// examples and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/jonboulle/clockwork"
)

var (
	_ leasecron.LeaseStore = (*Store)(nil)
	_ leasecron.Ledger     = (*Store)(nil)
)

// Store implements leasecron.LeaseStore and leasecron.Ledger in memory.
type Store struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	leases     map[string]leasecron.Lease
	executions map[string]leasecron.ExecutionRecord
}

// NewStore creates an empty store. Lease expiry is evaluated on clock;
// a nil clock means the real clock.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:      clock,
		leases:     make(map[string]leasecron.Lease),
		executions: make(map[string]leasecron.ExecutionRecord),
	}
}

// Acquire claims jobName if it is free or expired.
func (s *Store) Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (leasecron.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return leasecron.Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	current, exists := s.leases[jobName]
	if exists && !current.Expired(now) {
		return leasecron.Lease{}, false, nil
	}

	lease := leasecron.Lease{
		JobName:      jobName,
		HolderID:     holderID,
		ExpiresAt:    now.Add(ttl),
		FencingToken: current.FencingToken + 1,
	}
	s.leases[jobName] = lease
	return lease, true, nil
}

// Renew extends a live lease still held by holderID under token.
func (s *Store) Renew(ctx context.Context, jobName, holderID string, token int64, ttl time.Duration) (leasecron.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return leasecron.Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	current, exists := s.leases[jobName]
	if !exists || current.HolderID != holderID || current.FencingToken != token || current.Expired(now) {
		return leasecron.Lease{}, false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	s.leases[jobName] = current
	return current, true, nil
}

// Release frees the lease if holderID and token still match.
func (s *Store) Release(ctx context.Context, jobName, holderID string, token int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.leases[jobName]
	if !exists || current.HolderID != holderID || current.FencingToken != token {
		return nil
	}
	current.HolderID = ""
	current.ExpiresAt = time.Time{}
	s.leases[jobName] = current
	return nil
}

// Lookup returns the stored lease for jobName.
func (s *Store) Lookup(ctx context.Context, jobName string) (leasecron.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return leasecron.Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[jobName]
	return lease, ok, nil
}

// InsertIfAbsent stores rec unless its execution id is already known.
func (s *Store) InsertIfAbsent(ctx context.Context, rec leasecron.ExecutionRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[rec.ExecutionID]; exists {
		return false, nil
	}
	s.executions[rec.ExecutionID] = rec
	return true, nil
}

// Update writes the terminal state of an execution owned by update.FencingToken.
func (s *Store) Update(ctx context.Context, executionID string, update leasecron.ExecutionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.executions[executionID]
	if !exists || rec.FencingToken != update.FencingToken {
		return leasecron.ErrRecordNotOwned
	}
	rec.Status = update.Status
	rec.CompletedAt = update.CompletedAt
	rec.Error = update.Error
	s.executions[executionID] = rec
	return nil
}

// Get returns the record stored for executionID.
func (s *Store) Get(ctx context.Context, executionID string) (leasecron.ExecutionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return leasecron.ExecutionRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[executionID]
	return rec, ok, nil
}

// Executions returns every record for jobName, in no particular order.
func (s *Store) Executions(jobName string) []leasecron.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []leasecron.ExecutionRecord
	for _, rec := range s.executions {
		if rec.JobName == jobName {
			out = append(out, rec)
		}
	}
	return out
}

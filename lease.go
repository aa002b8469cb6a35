package leasecron

import (
	"context"
	"time"
)

// Lease represents an exclusive, time-bounded claim to run a named job.
type Lease struct {
	// JobName identifies the schedulable job the lease guards.
	JobName string

	// HolderID identifies the instance currently holding the lease.
	// Empty after a release.
	HolderID string

	// ExpiresAt is the instant after which the lease is no longer valid
	// and may be acquired by another instance.
	ExpiresAt time.Time

	// FencingToken increases by one on every successful acquisition of
	// JobName. A holder whose token is lower than the stored one has been
	// superseded and every write it attempts must be rejected.
	FencingToken int64
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Fence returns the fencing triple of the lease.
func (l Lease) Fence() Fence {
	return Fence{
		JobName:      l.JobName,
		HolderID:     l.HolderID,
		FencingToken: l.FencingToken,
	}
}

// Fence guards writes made under a lease's authority.
type Fence struct {
	JobName      string
	HolderID     string
	FencingToken int64
}

// LeaseStore defines the lease operations the coordinator needs from a
// shared store. Any store offering an atomic compare-and-write per key can
// implement it.
//
// Implementations must make Acquire, Renew and Release atomic with respect
// to each other for a given job name. Contention is not an error: a lease
// held by someone else is reported with ok == false and a nil error.
type LeaseStore interface {
	// Acquire claims jobName for holderID for ttl. It succeeds only when no
	// lease exists for jobName or the existing one has expired. On success
	// the returned lease carries a fencing token one greater than the
	// previous one, starting at 1.
	Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (lease Lease, ok bool, err error)

	// Renew pushes the expiry of a held lease ttl into the future. It only
	// succeeds if holderID and token still match the stored lease and the
	// lease has not expired. ok == false means the lease was lost.
	Renew(ctx context.Context, jobName, holderID string, token int64, ttl time.Duration) (lease Lease, ok bool, err error)

	// Release gives the lease up if holderID and token still match.
	// It is a no-op otherwise. The fencing token is kept so the next
	// acquisition continues the sequence.
	Release(ctx context.Context, jobName, holderID string, token int64) error

	// Lookup returns the stored lease for jobName, expired or not.
	Lookup(ctx context.Context, jobName string) (lease Lease, ok bool, err error)
}

package leasecron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultCallTimeout = 5 * time.Second
	defaultTTL         = 30 * time.Second
)

// JobFunc is the body of a job. It must return promptly once ctx is done;
// context.Cause(ctx) is ErrLeaseLost when the lease could not be renewed.
type JobFunc func(ctx context.Context) error

// GuardConfig holds the configuration for a Guard.
type GuardConfig struct {
	// Leases and Ledger are the shared stores. Both are required.
	Leases LeaseStore
	Ledger Ledger

	// HolderID identifies this instance. Defaults to "<hostname>-<uuid>".
	HolderID string

	// CallTimeout bounds every lease store and ledger call.
	// Default: 5 seconds
	CallTimeout time.Duration

	// Clock drives the renewal ticker and timestamps. Default: real clock.
	Clock clockwork.Clock

	// Logger defaults to a logger that discards everything.
	Logger Logger

	// Reporter receives one Event per RunExclusively call.
	Reporter Reporter
}

// Guard runs job bodies under a lease so that at most one instance runs a
// given occurrence.
type Guard struct {
	leases      LeaseStore
	ledger      Ledger
	holderID    string
	callTimeout time.Duration
	clock       clockwork.Clock
	logger      Logger
	reporter    Reporter
}

// Result describes what happened to one occurrence on this instance.
type Result struct {
	Outcome      Outcome
	JobName      string
	ExecutionID  string
	HolderID     string
	FencingToken int64
	Occurrence   time.Time
	Duration     time.Duration

	// LeaseLost is set when the renewal loop lost the lease mid-run.
	LeaseLost bool

	// Err is the job body error, ErrLeaseLost, or an ErrStoreUnavailable
	// wrapped error. It is nil for Executed, SkippedDuplicate and plain
	// contention.
	Err error
}

// NewGuard creates a Guard with the given configuration.
func NewGuard(config GuardConfig) (*Guard, error) {
	if config.Leases == nil {
		return nil, errors.New("lease store is required")
	}
	if config.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if config.HolderID == "" {
		config.HolderID = DefaultHolderID()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = noOpLogger{}
	}
	if config.Reporter == nil {
		config.Reporter = noOpReporter{}
	}

	return &Guard{
		leases:      config.Leases,
		ledger:      config.Ledger,
		holderID:    config.HolderID,
		callTimeout: config.CallTimeout,
		clock:       config.Clock,
		logger:      config.Logger,
		reporter:    config.Reporter,
	}, nil
}

// DefaultHolderID returns "<hostname>-<random uuid>".
func DefaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.NewString()
}

// HolderID returns the identity this guard acquires leases with.
func (g *Guard) HolderID() string {
	return g.holderID
}

// RunExclusively runs job for the occurrence of jobName scheduled at
// occurrence if, and only if, this instance wins the lease and the ledger
// has no record of the occurrence yet.
//
// occurrence must be the intended fire time from the schedule, never the
// wall clock of the call, so that every instance and every retry maps to
// the same execution id.
func (g *Guard) RunExclusively(ctx context.Context, jobName string, occurrence time.Time, ttl time.Duration, job JobFunc) (res Result) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	start := g.clock.Now()
	res = Result{
		JobName:     jobName,
		ExecutionID: ExecutionID(jobName, occurrence),
		HolderID:    g.holderID,
		Occurrence:  occurrence,
	}
	defer func() {
		res.Duration = g.clock.Since(start)
		g.report(ctx, res)
	}()

	lease, ok, err := g.acquire(ctx, jobName, ttl)
	if err != nil {
		g.logger.Warn("leasecron: acquire failed, skipping occurrence",
			"job", jobName, "execution_id", res.ExecutionID, "holder_id", g.holderID, "error", err)
		res.Outcome = SkippedNotLeader
		res.Err = fmt.Errorf("acquire lease %q: %w: %w", jobName, ErrStoreUnavailable, err)
		return res
	}
	if !ok {
		g.logger.Debug("leasecron: lease held elsewhere",
			"job", jobName, "execution_id", res.ExecutionID, "holder_id", g.holderID)
		res.Outcome = SkippedNotLeader
		return res
	}
	res.FencingToken = lease.FencingToken
	g.logger.Debug("leasecron: lease acquired",
		"job", jobName, "holder_id", g.holderID, "fencing_token", lease.FencingToken,
		"expires_at", lease.ExpiresAt.UTC().Format(time.RFC3339Nano))

	rec := ExecutionRecord{
		ExecutionID:  res.ExecutionID,
		JobName:      jobName,
		Occurrence:   occurrence.UTC(),
		HolderID:     g.holderID,
		FencingToken: lease.FencingToken,
		Status:       StatusStarted,
		StartedAt:    g.clock.Now().UTC(),
	}
	inserted, err := g.insert(ctx, rec)
	if err != nil {
		g.logger.Warn("leasecron: ledger insert failed, not running occurrence",
			"job", jobName, "execution_id", res.ExecutionID, "error", err)
		g.release(ctx, lease)
		res.Outcome = FailedAndReleased
		res.Err = fmt.Errorf("record execution %s: %w: %w", res.ExecutionID, ErrStoreUnavailable, err)
		return res
	}
	if !inserted {
		g.logger.Info("leasecron: occurrence already recorded, skipping",
			"job", jobName, "execution_id", res.ExecutionID, "fencing_token", lease.FencingToken)
		g.release(ctx, lease)
		res.Outcome = SkippedDuplicate
		return res
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	jobCtx = withRunInfo(jobCtx, runInfo{
		fence:       lease.Fence(),
		occurrence:  occurrence,
		executionID: res.ExecutionID,
	})

	var lost atomic.Bool
	stop := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		g.renewLoop(ctx, lease, ttl, stop, func() {
			lost.Store(true)
			cancel(ErrLeaseLost)
		})
	}()

	err = g.call(jobCtx, job)

	switch {
	case lost.Load():
		res.LeaseLost = true
		res.Outcome = FailedAndReleased
		if err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
		} else {
			res.Err = ErrLeaseLost
		}
		g.complete(ctx, rec, StatusFailed, res.Err)
	case err != nil:
		g.logger.Error("leasecron: job failed",
			"job", jobName, "execution_id", res.ExecutionID, "fencing_token", lease.FencingToken, "error", err)
		res.Outcome = FailedAndReleased
		res.Err = err
		g.complete(ctx, rec, StatusFailed, err)
	default:
		res.Outcome = Executed
		g.complete(ctx, rec, StatusSucceeded, nil)
	}

	close(stop)
	<-renewDone
	g.release(ctx, lease)

	if res.Outcome == Executed {
		g.logger.Info("leasecron: job executed",
			"job", jobName, "execution_id", res.ExecutionID, "fencing_token", lease.FencingToken)
	}
	return res
}

// renewLoop extends the lease every ttl/3 until stop is closed. The first
// failed, refused or timed out renewal calls onLoss and ends the loop.
func (g *Guard) renewLoop(ctx context.Context, lease Lease, ttl time.Duration, stop <-chan struct{}, onLoss func()) {
	ticker := g.clock.NewTicker(renewInterval(ttl))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			callCtx, cancel := g.storeContext(ctx)
			renewed, ok, err := g.leases.Renew(callCtx, lease.JobName, g.holderID, lease.FencingToken, ttl)
			cancel()
			if err != nil || !ok {
				if err != nil {
					g.logger.Warn("leasecron: lease renewal failed, cancelling job",
						"job", lease.JobName, "holder_id", g.holderID, "fencing_token", lease.FencingToken, "error", err)
				} else {
					g.logger.Warn("leasecron: lease lost, cancelling job",
						"job", lease.JobName, "holder_id", g.holderID, "fencing_token", lease.FencingToken)
				}
				onLoss()
				return
			}
			g.logger.Debug("leasecron: lease renewed",
				"job", lease.JobName, "fencing_token", renewed.FencingToken,
				"expires_at", renewed.ExpiresAt.UTC().Format(time.RFC3339Nano))
		}
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

func (g *Guard) acquire(ctx context.Context, jobName string, ttl time.Duration) (Lease, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return g.leases.Acquire(callCtx, jobName, g.holderID, ttl)
}

func (g *Guard) insert(ctx context.Context, rec ExecutionRecord) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return g.ledger.InsertIfAbsent(callCtx, rec)
}

// complete writes the terminal status. Failures are logged and not
// retried; the record stays STARTED.
func (g *Guard) complete(ctx context.Context, rec ExecutionRecord, status ExecutionStatus, cause error) {
	update := ExecutionUpdate{
		FencingToken: rec.FencingToken,
		Status:       status,
		CompletedAt:  g.clock.Now().UTC(),
	}
	if cause != nil {
		update.Error = cause.Error()
	}
	callCtx, cancel := g.storeContext(ctx)
	defer cancel()
	if err := g.ledger.Update(callCtx, rec.ExecutionID, update); err != nil {
		g.logger.Error("leasecron: ledger update failed",
			"job", rec.JobName, "execution_id", rec.ExecutionID, "status", string(status), "error", err)
	}
}

// release gives the lease back. A failure is only logged: the TTL expires
// the lease anyway.
func (g *Guard) release(ctx context.Context, lease Lease) {
	callCtx, cancel := g.storeContext(ctx)
	defer cancel()
	if err := g.leases.Release(callCtx, lease.JobName, g.holderID, lease.FencingToken); err != nil {
		g.logger.Warn("leasecron: lease release failed",
			"job", lease.JobName, "holder_id", g.holderID, "fencing_token", lease.FencingToken, "error", err)
	}
}

// storeContext detaches from ctx cancellation so that shutdown does not
// turn renewals into spurious losses or skip the release.
func (g *Guard) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.callTimeout)
}

func (g *Guard) call(ctx context.Context, job JobFunc) (err error) {
	defer func() {
		if recoverData := recover(); recoverData != nil {
			err = fmt.Errorf("%w from %v", ErrPanicRecovered, recoverData)
		}
	}()
	if job == nil {
		return nil
	}
	return job(ctx)
}

func (g *Guard) report(ctx context.Context, res Result) {
	ev := Event{
		JobName:      res.JobName,
		ExecutionID:  res.ExecutionID,
		HolderID:     res.HolderID,
		Outcome:      res.Outcome,
		Duration:     res.Duration,
		FencingToken: res.FencingToken,
		Occurrence:   res.Occurrence,
		LeaseLost:    res.LeaseLost,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	g.reporter.Report(context.WithoutCancel(ctx), ev)
}

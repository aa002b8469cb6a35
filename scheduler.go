package leasecron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

const defaultMisfireGrace = time.Minute

// JobConfig describes one schedulable job. Every instance must register
// the same Name and Schedule for the job to be coordinated.
type JobConfig struct {
	// Name is the lease key and the prefix of every execution id.
	Name string

	// Schedule is a cron expression, with an optional seconds field, or a
	// descriptor such as "@hourly" or "@every 10m".
	Schedule string

	// TTL is the lease duration. Choose it well above the expected run
	// time; the lease is renewed every TTL/3 while the body runs. Clock
	// skew between instances must stay well below it.
	// Default: 30 seconds
	TTL time.Duration

	// Func is the job body.
	Func JobFunc

	// MisfireGrace is how late an occurrence may still be fired after the
	// previous run overran. Older occurrences are skipped.
	// Default: 1 minute
	MisfireGrace time.Duration
}

// Config holds the configuration for a Scheduler.
type Config struct {
	// Leases and Ledger are the shared stores. Both are required.
	Leases LeaseStore
	Ledger Ledger

	// Jobs are the jobs this instance schedules.
	Jobs []JobConfig

	// HolderID identifies this instance. Defaults to "<hostname>-<uuid>".
	HolderID string

	// CallTimeout bounds every store call. Default: 5 seconds
	CallTimeout time.Duration

	// Location is used for cron expressions without a CRON_TZ prefix.
	// Default: UTC, so that instances in different zones agree.
	Location *time.Location

	Clock    clockwork.Clock
	Logger   Logger
	Reporter Reporter

	// Event Handlers (all optional)

	// OnStart is called when the scheduler starts.
	OnStart func(ctx context.Context) error

	// OnStop is called when the scheduler stops.
	OnStop func(ctx context.Context) error

	// OnError receives a *JobError for every occurrence that failed on
	// this instance, whether the body failed, the lease was lost, or a
	// store was unavailable. If OnError is not set, errors are only logged.
	OnError func(ctx context.Context, err error)
}

type scheduledJob struct {
	name         string
	schedule     cron.Schedule
	ttl          time.Duration
	fn           JobFunc
	misfireGrace time.Duration
}

// Scheduler fires every configured job at its scheduled occurrences and
// runs it through a Guard. Each instance runs its own Scheduler; there is
// no central coordinator.
type Scheduler struct {
	guard  *Guard
	config Config
	clock  clockwork.Clock
	logger Logger
	jobs   map[string]*scheduledJob
	order  []*scheduledJob

	// State tracking
	running    atomic.Bool
	processing atomic.Int32

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Scheduler with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Scheduler, error) {
	if config.Leases == nil {
		return nil, errors.New("lease store is required")
	}
	if config.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = noOpLogger{}
	}

	guard, err := NewGuard(GuardConfig{
		Leases:      config.Leases,
		Ledger:      config.Ledger,
		HolderID:    config.HolderID,
		CallTimeout: config.CallTimeout,
		Clock:       config.Clock,
		Logger:      config.Logger,
		Reporter:    config.Reporter,
	})
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		guard:  guard,
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
		jobs:   make(map[string]*scheduledJob, len(config.Jobs)),
	}
	for _, jc := range config.Jobs {
		job, err := newScheduledJob(jc, config.Location)
		if err != nil {
			return nil, err
		}
		if _, exists := s.jobs[job.name]; exists {
			return nil, fmt.Errorf("duplicate job name %q", job.name)
		}
		s.jobs[job.name] = job
		s.order = append(s.order, job)
	}
	return s, nil
}

func newScheduledJob(jc JobConfig, loc *time.Location) (*scheduledJob, error) {
	if jc.Name == "" {
		return nil, errors.New("job name is required")
	}
	if jc.Func == nil {
		return nil, fmt.Errorf("job %q: func is required", jc.Name)
	}
	schedule, err := parseSchedule(jc.Schedule, loc)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jc.Name, err)
	}
	if jc.TTL <= 0 {
		jc.TTL = defaultTTL
	}
	if jc.MisfireGrace <= 0 {
		jc.MisfireGrace = defaultMisfireGrace
	}
	return &scheduledJob{
		name:         jc.Name,
		schedule:     schedule,
		ttl:          jc.TTL,
		fn:           jc.Func,
		misfireGrace: jc.MisfireGrace,
	}, nil
}

// HolderID returns the identity this instance acquires leases with.
func (s *Scheduler) HolderID() string {
	return s.guard.HolderID()
}

// Start begins firing jobs at their scheduled occurrences.
// It's safe to call Start multiple times; subsequent calls are no-ops.
// The scheduler runs until Stop is called or the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	// Only start once
	if s.running.Swap(true) {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.config.OnStart != nil {
		if err := s.config.OnStart(s.ctx); err != nil {
			s.running.Store(false)
			s.cancel()
			return fmt.Errorf("OnStart handler failed: %w", err)
		}
	}

	for _, job := range s.order {
		s.wg.Add(1)
		go s.run(job)
	}
	s.logger.Info("leasecron: scheduler started", "holder_id", s.guard.HolderID(), "jobs", len(s.order))

	return nil
}

// Stop stops firing new occurrences and waits for running ones to finish.
// Running job bodies are not canceled. It's safe to call Stop multiple times.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		if s.config.OnStop != nil {
			if stopErr := s.config.OnStop(context.Background()); stopErr != nil && err == nil {
				err = fmt.Errorf("OnStop handler failed: %w", stopErr)
			}
		}
		s.logger.Info("leasecron: scheduler stopped", "holder_id", s.guard.HolderID())
	})
	return err
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// IsProcessing returns true while a guarded attempt is in progress.
func (s *Scheduler) IsProcessing() bool {
	return s.processing.Load() > 0
}

// Fire runs the occurrence of the named job scheduled at occurrence right
// away, through the same guard as scheduled runs. It works whether or not
// the scheduler is started.
func (s *Scheduler) Fire(ctx context.Context, name string, occurrence time.Time) (Result, error) {
	job, ok := s.jobs[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.fire(ctx, job, occurrence), nil
}

// run is the timer loop of one job.
func (s *Scheduler) run(job *scheduledJob) {
	defer s.wg.Done()

	next := job.schedule.Next(s.clock.Now())
	for s.running.Load() {
		if next.IsZero() {
			s.logger.Warn("leasecron: schedule has no further occurrences", "job", job.name)
			return
		}
		if !s.sleepUntil(next) {
			return
		}

		// Occurrences already in flight finish even if Stop is called.
		s.fire(context.WithoutCancel(s.ctx), job, next)

		var skipped bool
		previous := next
		next, skipped = nextOccurrence(job.schedule, previous, s.clock.Now(), job.misfireGrace)
		if skipped {
			s.logger.Warn("leasecron: missed occurrences skipped",
				"job", job.name, "after", previous.UTC().Format(time.RFC3339), "next", next.UTC().Format(time.RFC3339))
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, job *scheduledJob, occurrence time.Time) Result {
	s.processing.Add(1)
	defer s.processing.Add(-1)

	res := s.guard.RunExclusively(ctx, job.name, occurrence, job.ttl, job.fn)
	if res.Err != nil {
		s.handleError(ctx, &JobError{
			JobName:     res.JobName,
			ExecutionID: res.ExecutionID,
			Outcome:     res.Outcome,
			Err:         res.Err,
		})
	}
	return res
}

// sleepUntil waits on the scheduler clock until t. It returns false if the
// scheduler was stopped first.
func (s *Scheduler) sleepUntil(t time.Time) bool {
	delay := t.Sub(s.clock.Now())
	if delay <= 0 {
		return s.ctx.Err() == nil
	}
	timer := s.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// handleError calls the OnError handler if configured.
func (s *Scheduler) handleError(ctx context.Context, err error) {
	if s.config.OnError != nil {
		s.config.OnError(ctx, err)
	}
}

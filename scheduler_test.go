package leasecron_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/DEEJ4Y/leasecron/memory"
	"github.com/jonboulle/clockwork"
)

func noop(context.Context) error { return nil }

func TestNew(t *testing.T) {
	store := memory.NewStore(nil)

	t.Run("requires stores", func(t *testing.T) {
		if _, err := leasecron.New(leasecron.Config{}); err == nil {
			t.Error("expected error when stores are nil")
		}
		if _, err := leasecron.New(leasecron.Config{Leases: store}); err == nil {
			t.Error("expected error when ledger is nil")
		}
	})

	t.Run("rejects invalid schedule", func(t *testing.T) {
		_, err := leasecron.New(leasecron.Config{
			Leases: store,
			Ledger: store,
			Jobs:   []leasecron.JobConfig{{Name: "report", Schedule: "every day", Func: noop}},
		})
		if err == nil {
			t.Error("expected error for invalid schedule")
		}
	})

	t.Run("rejects duplicate job names", func(t *testing.T) {
		_, err := leasecron.New(leasecron.Config{
			Leases: store,
			Ledger: store,
			Jobs: []leasecron.JobConfig{
				{Name: "report", Schedule: "@daily", Func: noop},
				{Name: "report", Schedule: "@hourly", Func: noop},
			},
		})
		if err == nil {
			t.Error("expected error for duplicate job names")
		}
	})

	t.Run("requires name and func", func(t *testing.T) {
		if _, err := leasecron.New(leasecron.Config{
			Leases: store,
			Ledger: store,
			Jobs:   []leasecron.JobConfig{{Schedule: "@daily", Func: noop}},
		}); err == nil {
			t.Error("expected error for missing name")
		}
		if _, err := leasecron.New(leasecron.Config{
			Leases: store,
			Ledger: store,
			Jobs:   []leasecron.JobConfig{{Name: "report", Schedule: "@daily"}},
		}); err == nil {
			t.Error("expected error for missing func")
		}
	})

	t.Run("uses configured holder id", func(t *testing.T) {
		sched, err := leasecron.New(leasecron.Config{Leases: store, Ledger: store, HolderID: "instance-a"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sched.HolderID() != "instance-a" {
			t.Errorf("expected holder id instance-a, got %s", sched.HolderID())
		}
	})
}

func TestScheduler_StartStop(t *testing.T) {
	store := memory.NewStore(nil)
	var started, stopped atomic.Bool
	sched, err := leasecron.New(leasecron.Config{
		Leases: store,
		Ledger: store,
		Jobs:   []leasecron.JobConfig{{Name: "report", Schedule: "@daily", Func: noop}},
		OnStart: func(context.Context) error {
			started.Store(true)
			return nil
		},
		OnStop: func(context.Context) error {
			stopped.Store(true)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()

	// Start
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	if !sched.IsRunning() {
		t.Error("scheduler should be running")
	}
	if !started.Load() {
		t.Error("OnStart should have been called")
	}

	// Stop
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sched.Stop(stopCtx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if sched.IsRunning() {
		t.Error("scheduler should not be running")
	}
	if !stopped.Load() {
		t.Error("OnStop should have been called")
	}
}

func TestScheduler_OnStartError(t *testing.T) {
	store := memory.NewStore(nil)
	sched, _ := leasecron.New(leasecron.Config{
		Leases: store,
		Ledger: store,
		OnStart: func(context.Context) error {
			return errors.New("warmup failed")
		},
	})

	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if sched.IsRunning() {
		t.Error("scheduler should not be running after failed start")
	}
}

// startFakeClockCluster starts n schedulers sharing one store and one fake
// clock, each running a single "* * * * *" job whose executions are counted.
func startFakeClockCluster(t *testing.T, n int, clock clockwork.Clock, events *eventRecorder, executions *sync.Map) []*leasecron.Scheduler {
	t.Helper()
	store := memory.NewStore(clock)
	schedulers := make([]*leasecron.Scheduler, 0, n)
	for i := 0; i < n; i++ {
		sched, err := leasecron.New(leasecron.Config{
			Leases:   store,
			Ledger:   store,
			HolderID: fmt.Sprintf("instance-%02d", i),
			Clock:    clock,
			Reporter: events,
			Jobs: []leasecron.JobConfig{{
				Name:     "minutely",
				Schedule: "* * * * *",
				TTL:      30 * time.Second,
				Func: func(ctx context.Context) error {
					id, _ := leasecron.ExecutionIDFromContext(ctx)
					count, _ := executions.LoadOrStore(id, new(atomic.Int32))
					count.(*atomic.Int32).Add(1)
					return nil
				},
			}},
		})
		if err != nil {
			t.Fatalf("new scheduler %d: %v", i, err)
		}
		if err := sched.Start(context.Background()); err != nil {
			t.Fatalf("start scheduler %d: %v", i, err)
		}
		schedulers = append(schedulers, sched)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sched := range schedulers {
			_ = sched.Stop(ctx)
		}
	})
	return schedulers
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

// advanceMinutes moves the fake clock one minute at a time and waits until
// every scheduler has reported on each occurrence.
func advanceMinutes(t *testing.T, clock fakeClock, n, minutes int, events *eventRecorder) {
	t.Helper()
	for m := 1; m <= minutes; m++ {
		clock.BlockUntil(n)
		clock.Advance(time.Minute)
		waitFor(t, func() bool { return len(events.Events()) == n*m })
	}
}

func TestScheduler_FiresOnceAcrossInstances(t *testing.T) {
	const (
		instances = 3
		minutes   = 5
	)
	clock := clockwork.NewFakeClockAt(epoch)
	events := &eventRecorder{}
	var executions sync.Map
	startFakeClockCluster(t, instances, clock, events, &executions)

	advanceMinutes(t, clock, instances, minutes, events)

	for m := 1; m <= minutes; m++ {
		id := leasecron.ExecutionID("minutely", epoch.Add(time.Duration(m)*time.Minute))
		count, ok := executions.Load(id)
		if !ok {
			t.Errorf("occurrence %s did not run", id)
			continue
		}
		if n := count.(*atomic.Int32).Load(); n != 1 {
			t.Errorf("occurrence %s ran %d times", id, n)
		}
	}

	executed := 0
	for _, ev := range events.Events() {
		switch ev.Outcome {
		case leasecron.Executed:
			executed++
		case leasecron.SkippedNotLeader, leasecron.SkippedDuplicate:
		default:
			t.Errorf("unexpected outcome %v for %s on %s", ev.Outcome, ev.ExecutionID, ev.HolderID)
		}
	}
	if executed != minutes {
		t.Errorf("expected %d executions, got %d", minutes, executed)
	}
}

func TestScheduler_Fire(t *testing.T) {
	store := memory.NewStore(nil)
	var calls atomic.Int32
	sched, err := leasecron.New(leasecron.Config{
		Leases: store,
		Ledger: store,
		Jobs: []leasecron.JobConfig{{Name: "report", Schedule: "@daily", Func: func(context.Context) error {
			calls.Add(1)
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if _, err := sched.Fire(ctx, "missing", epoch); !errors.Is(err, leasecron.ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}

	res, err := sched.Fire(ctx, "report", epoch)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Outcome != leasecron.Executed {
		t.Errorf("expected Executed, got %v", res.Outcome)
	}

	res, _ = sched.Fire(ctx, "report", epoch)
	if res.Outcome != leasecron.SkippedDuplicate {
		t.Errorf("expected SkippedDuplicate for a refire, got %v", res.Outcome)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one run, got %d", calls.Load())
	}
}

func TestScheduler_OnErrorReceivesJobError(t *testing.T) {
	store := memory.NewStore(nil)
	boom := errors.New("upstream unavailable")
	var got error
	sched, _ := leasecron.New(leasecron.Config{
		Leases: store,
		Ledger: store,
		Jobs: []leasecron.JobConfig{{Name: "report", Schedule: "@daily", Func: func(context.Context) error {
			return boom
		}}},
		OnError: func(_ context.Context, err error) {
			got = err
		},
	})

	res, _ := sched.Fire(context.Background(), "report", epoch)
	if res.Outcome != leasecron.FailedAndReleased {
		t.Errorf("expected FailedAndReleased, got %v", res.Outcome)
	}

	var jobErr *leasecron.JobError
	if !errors.As(got, &jobErr) {
		t.Fatalf("expected *JobError, got %T", got)
	}
	if jobErr.JobName != "report" || jobErr.ExecutionID != res.ExecutionID || jobErr.Outcome != leasecron.FailedAndReleased {
		t.Errorf("unexpected job error %+v", jobErr)
	}
	if !errors.Is(got, boom) {
		t.Errorf("expected wrapped job error, got %v", got)
	}
}

func TestScheduler_StopWaitsForRunningJob(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := memory.NewStore(clock)
	started := make(chan struct{})
	release := make(chan struct{})
	var bodyErr atomic.Value

	sched, _ := leasecron.New(leasecron.Config{
		Leases: store,
		Ledger: store,
		Clock:  clock,
		Jobs: []leasecron.JobConfig{{Name: "minutely", Schedule: "* * * * *", Func: func(ctx context.Context) error {
			close(started)
			<-release
			bodyErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		}}},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	<-started
	if !sched.IsProcessing() {
		t.Error("expected scheduler to be processing")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- sched.Stop(ctx)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while the job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := bodyErr.Load(); got != "<nil>" {
		t.Errorf("running job should not be canceled by stop, ctx err %v", got)
	}
	rec, _, _ := store.Get(context.Background(), leasecron.ExecutionID("minutely", epoch.Add(time.Minute)))
	if rec.Status != leasecron.StatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", rec.Status)
	}
}

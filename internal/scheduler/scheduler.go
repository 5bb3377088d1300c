// Package scheduler runs the ledger's periodic jobs (verification, export,
// replication polling) on independent timers.
//
// Every job is non-overlapping: a tick or manual trigger that arrives while
// the previous run of the same job is still executing is skipped. Different
// jobs run concurrently; they coordinate only through the event store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrJobRunning is returned by Trigger when the job is already running.
	ErrJobRunning = errors.New("job already running")

	// ErrUnknownJob is returned by Trigger for a name no job was registered under.
	ErrUnknownJob = errors.New("unknown job")
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration

	// RunAtStart runs the job once immediately when the scheduler starts.
	RunAtStart bool

	Run func(ctx context.Context) error
}

type entry struct {
	job  Job
	busy sync.Mutex
}

// Scheduler owns a fixed set of jobs.
type Scheduler struct {
	jobs  map[string]*entry
	order []string

	// OnRun, if set, observes every completed run.
	OnRun func(name string, took time.Duration, err error)
}

// New creates a scheduler. Jobs with a non-positive interval are only run by
// Trigger.
func New(jobs ...Job) *Scheduler {
	s := &Scheduler{jobs: make(map[string]*entry, len(jobs))}
	for _, j := range jobs {
		s.jobs[j.Name] = &entry{job: j}
		s.order = append(s.order, j.Name)
	}
	return s
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.order...)
}

// Start runs every job on its own timer until ctx is cancelled. Job errors
// are logged and the schedule continues; Start itself only returns when ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		e := s.jobs[name]
		if e.job.Interval <= 0 {
			continue
		}
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Trigger runs the named job now and waits for it. It returns ErrJobRunning
// if a run is already in progress.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	slog.Info("scheduled job started", "job", e.job.Name, "interval", e.job.Interval)

	if e.job.RunAtStart {
		s.tick(ctx, e)
	}

	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if err := s.run(ctx, e); errors.Is(err, ErrJobRunning) {
		slog.Warn("previous run still in progress, skipping tick", "job", e.job.Name)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	if !e.busy.TryLock() {
		return fmt.Errorf("%s: %w", e.job.Name, ErrJobRunning)
	}
	defer e.busy.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.job.Name, r)
		}
		took := time.Since(start)
		if err != nil {
			slog.Error("scheduled job failed", "job", e.job.Name, "duration", took, "error", err)
		} else {
			slog.Debug("scheduled job finished", "job", e.job.Name, "duration", took)
		}
		if s.OnRun != nil {
			s.OnRun(e.job.Name, took, err)
		}
	}()

	return e.job.Run(ctx)
}

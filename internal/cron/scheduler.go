// ABOUTME: Scheduler for recurring assistant triggers (interval or time-of-day).
// ABOUTME: Fires cron events and invokes a trigger callback; jobs persist in SQLite.

package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/den-gateway/internal/events"
	"github.com/2389/den-gateway/internal/protocol"
	"github.com/2389/den-gateway/internal/store"
)

// ErrJobNotFound indicates no job exists with the given id.
var ErrJobNotFound = errors.New("cron job not found")

// ErrBadSchedule indicates the job has neither a valid interval nor a valid
// time of day.
var ErrBadSchedule = errors.New("job needs either a positive interval or an HH:MM time")

// Trigger is invoked when a job fires, after the cron event is published.
// Implementations typically wake the agent with the job's message.
type Trigger func(ctx context.Context, job store.CronJob)

// FirePayload is the payload of a cron event.
type FirePayload struct {
	JobID      string `json:"jobId"`
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
}

type scheduledJob struct {
	job  store.CronJob
	stop chan struct{}
}

// Scheduler owns the live set of cron jobs. One goroutine per job; firing
// never blocks Add/Remove on other jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	st      store.Store
	bus     *events.Broadcaster
	trigger Trigger
	logger  *slog.Logger

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler. trigger may be nil.
func NewScheduler(st store.Store, bus *events.Broadcaster, trigger Trigger, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]*scheduledJob),
		st:      st,
		bus:     bus,
		trigger: trigger,
		logger:  logger.With("component", "cron"),
	}
}

// Start loads persisted jobs and begins scheduling. ctx bounds the
// scheduler's lifetime.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	jobs, err := s.st.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading cron jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.schedule(*job); err != nil {
			s.logger.Warn("skipping unschedulable persisted job", "job_id", job.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		s.logger.Info("cron jobs restored", "count", len(jobs))
	}
	return nil
}

// Add validates, persists, and schedules a job. A zero ID is assigned one.
func (s *Scheduler) Add(ctx context.Context, job store.CronJob) (store.CronJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if _, err := nextFire(job, time.Now()); err != nil {
		return store.CronJob{}, err
	}

	if err := s.st.SaveCronJob(ctx, &job); err != nil {
		return store.CronJob{}, err
	}
	if err := s.schedule(job); err != nil {
		return store.CronJob{}, err
	}
	s.logger.Info("cron job added", "job_id", job.ID, "every", job.Every, "at", job.At)
	return job, nil
}

// List returns the live jobs.
func (s *Scheduler) List() []store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.CronJob, 0, len(s.jobs))
	for _, sj := range s.jobs {
		out = append(out, sj.job)
	}
	return out
}

// Remove stops and deletes a job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	sj, ok := s.jobs[id]
	if ok {
		close(sj.stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	err := s.st.DeleteCronJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if !ok {
			return ErrJobNotFound
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.logger.Info("cron job removed", "job_id", id)
	return nil
}

// Stop cancels all job goroutines and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	for id, sj := range s.jobs {
		close(sj.stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("cron scheduler stopped")
}

// schedule starts the firing goroutine for one job, replacing any existing
// schedule with the same id.
func (s *Scheduler) schedule(job store.CronJob) error {
	if _, err := nextFire(job, time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("scheduler not started")
	}
	if existing, ok := s.jobs[job.ID]; ok {
		close(existing.stop)
	}
	sj := &scheduledJob{job: job, stop: make(chan struct{})}
	s.jobs[job.ID] = sj
	ctx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, sj)
	return nil
}

// run fires the job until stopped.
func (s *Scheduler) run(ctx context.Context, sj *scheduledJob) {
	defer s.wg.Done()

	for {
		next, err := nextFire(sj.job, time.Now())
		if err != nil {
			return
		}
		timer := time.NewTimer(time.Until(next))

		select {
		case <-timer.C:
			s.fire(ctx, sj.job)
		case <-sj.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// fire publishes the cron event then invokes the trigger.
func (s *Scheduler) fire(ctx context.Context, job store.CronJob) {
	s.logger.Debug("cron job fired", "job_id", job.ID)
	if s.bus != nil {
		s.bus.Publish(protocol.EventCron, FirePayload{
			JobID:      job.ID,
			Message:    job.Message,
			SessionKey: job.SessionKey,
		})
	}
	if s.trigger != nil {
		s.trigger(ctx, job)
	}
}

// nextFire computes the next fire time after now.
func nextFire(job store.CronJob, now time.Time) (time.Time, error) {
	if job.Every != "" {
		d, err := time.ParseDuration(job.Every)
		if err != nil || d <= 0 {
			return time.Time{}, ErrBadSchedule
		}
		return now.Add(d), nil
	}
	if job.At != "" {
		at, err := time.ParseInLocation("15:04", job.At, now.Location())
		if err != nil {
			return time.Time{}, ErrBadSchedule
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	}
	return time.Time{}, ErrBadSchedule
}

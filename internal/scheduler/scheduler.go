// Package scheduler runs the morning and evening ingestion batches.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled task
type Job func(ctx context.Context) error

// Scheduler manages periodic tasks
type Scheduler struct {
	cron     *cron.Cron
	jobs     map[string]cron.EntryID
	timezone *time.Location
}

// New creates a new scheduler with the given timezone
func New(timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}

	c := cron.New(cron.WithLocation(loc))

	return &Scheduler{
		cron:     c,
		jobs:     make(map[string]cron.EntryID),
		timezone: loc,
	}, nil
}

// AddJob adds a job with a cron schedule
// schedule format: "0 6 * * *" (at 6:00 AM daily)
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	entryID, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		slog.Info("starting job", "job", name)
		start := time.Now()

		if err := job(ctx); err != nil {
			slog.Error("job failed", "job", name, "error", err)
		} else {
			slog.Info("job completed", "job", name, "elapsed", time.Since(start))
		}
	})

	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = entryID
	slog.Info("job scheduled", "job", name, "schedule", schedule)

	return nil
}

// AddBatchJob adds an ingestion batch job at a specific time of day.
// timeStr format: "06:00" or "18:00"
func (s *Scheduler) AddBatchJob(name, timeStr string, job Job) error {
	t, err := time.Parse("15:04", timeStr)
	if err != nil {
		return fmt.Errorf("invalid time format %s: %w", timeStr, err)
	}

	schedule := fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
	return s.AddJob(name, schedule, job)
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	slog.Info("scheduler starting")
	s.cron.Start()
}

// Stop halts the scheduler
func (s *Scheduler) Stop() context.Context {
	slog.Info("scheduler stopping")
	return s.cron.Stop()
}

// RunNow immediately executes a job (useful for on-demand triggers)
func (s *Scheduler) RunNow(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	slog.Info("running job now", "job", name)
	return job(ctx)
}

// JobInfo contains information about a scheduled job
type JobInfo struct {
	Name    string
	NextRun time.Time
	LastRun time.Time
}

// ListJobs returns info about scheduled jobs
func (s *Scheduler) ListJobs() []JobInfo {
	entries := s.cron.Entries()
	infos := make([]JobInfo, 0, len(entries))

	for name, entryID := range s.jobs {
		for _, entry := range entries {
			if entry.ID == entryID {
				infos = append(infos, JobInfo{
					Name:    name,
					NextRun: entry.Next,
					LastRun: entry.Prev,
				})
				break
			}
		}
	}

	return infos
}

// Package maintenance runs the periodic housekeeping jobs: purging expired
// chat-admin grants and sweeping idle throttle and session state.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/hanamilabs/telegram-bot-admin/internal/security"
)

// Recorder observes job outcomes. observability.Metrics implements it.
type Recorder interface {
	MaintenanceRun(job string, err error)
}

// Sweeper drops idle entries and reports how many went.
type Sweeper interface {
	Sweep() int
}

type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	schedule string
	jobs     []Job
	logger   *slog.Logger
	recorder Recorder
}

// New validates schedule (standard cron syntax or a descriptor such as
// "@every 10m") and returns a scheduler for jobs.
func New(schedule string, jobs []Job, logger *slog.Logger, recorder Recorder) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{schedule: schedule, jobs: jobs, logger: logger, recorder: recorder}, nil
}

// Jobs builds the standard job list. sessions may be nil when the session
// backend expires entries on its own.
func Jobs(sec *security.Service, sessions Sweeper) []Job {
	jobs := []Job{
		{Name: "purge_expired", Run: func(ctx context.Context) error {
			_, err := sec.PurgeExpiredChatAdmins(ctx)
			return err
		}},
		{Name: "throttle_sweep", Run: func(context.Context) error {
			sec.Throttle().Sweep()
			return nil
		}},
	}
	if sessions != nil {
		jobs = append(jobs, Job{Name: "session_sweep", Run: func(context.Context) error {
			sessions.Sweep()
			return nil
		}})
	}
	return jobs
}

// RunOnce runs every job in order. A failing job does not stop the rest.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		err := job.Run(ctx)
		if s.recorder != nil {
			s.recorder.MaintenanceRun(job.Name, err)
		}
		if err != nil {
			s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		s.logger.Debug("maintenance job done", "job", job.Name)
	}
	return errors.Join(errs...)
}

// Run fires RunOnce on the schedule until ctx ends, then waits for a run in
// progress to finish. Overlapping runs are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	c.Start()
	s.logger.Info("maintenance scheduled", "schedule", s.schedule, "jobs", len(s.jobs))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes cron's own messages, recovered job panics included,
// into slog. Routine scheduling chatter goes to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

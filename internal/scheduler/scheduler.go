// Package scheduler runs the end-of-day batch jobs on cron schedules.
package scheduler

import (
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs. A job whose previous run is still in
// progress is skipped rather than overlapped.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New creates a new scheduler
func New(log *slog.Logger) *Scheduler {
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// Disabled reports whether a schedule expression turns a job off.
func Disabled(schedule string) bool {
	s := strings.TrimSpace(schedule)
	return s == "" || strings.EqualFold(s, "off")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "0 */5 * * * *"          - Every 5 minutes
//   - "0 30 17 * * SUN-THU"    - 17:30 on trading days
//   - "@every 30s"             - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if Disabled(schedule) {
		s.log.Info("job disabled", "job", job.Name())
		return nil
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug("running job", "job", job.Name())

		if err := job.Run(); err != nil {
			s.log.Error("job failed", "job", job.Name(), "err", err)
		} else {
			s.log.Debug("job completed", "job", job.Name())
		}
	})
	if err != nil {
		return err
	}

	s.log.Info("job registered", "schedule", schedule, "job", job.Name())
	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info("running job immediately", "job", job.Name())
	return job.Run()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

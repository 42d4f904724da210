// Package scheduler runs jobs on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewJobFunc(name string, fn func(ctx context.Context) error) JobFunc {
	return JobFunc{name: name, fn: fn}
}

func (j JobFunc) Name() string                  { return j.name }
func (j JobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// Scheduler wraps a cron runner. A job still running when its next tick
// comes is skipped for that tick, and a panicking job is logged instead of
// stopping the process.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  *slog.Logger
}

// New creates a scheduler whose jobs receive ctx. Options such as
// cron.WithLocation are passed through.
func New(ctx context.Context, log *slog.Logger, opts ...cron.Option) *Scheduler {
	s := &Scheduler{ctx: ctx, log: log.With("component", "scheduler")}
	s.cron = cron.New(append([]cron.Option{
		cron.WithChain(
			cron.Recover(cronLogger{s.log}),
			cron.SkipIfStillRunning(cronLogger{s.log}),
		),
	}, opts...)...)
	return s
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// AddJob registers job under a standard five-field spec or a descriptor
// such as "@daily".
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Debug("running job", "job", job.Name())
		if err := job.Run(s.ctx); err != nil {
			s.log.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		s.log.Debug("job completed", "job", job.Name())
	})
	if err != nil {
		return err
	}
	s.log.Info("job registered", "job", job.Name(), "schedule", spec)
	return nil
}

// Next reports when the first registered job fires next.
func (s *Scheduler) Next() (time.Time, bool) {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

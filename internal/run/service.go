package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/expiry-archiver/internal/apperror"
	"github.com/ahmethakanbesel/expiry-archiver/internal/pipeline"
)

var ErrBusy = apperror.New(apperror.Conflict, "a run is already in progress")

// Batch is the planned work of one run.
type Batch struct {
	Expiry      time.Time
	Tasks       []pipeline.Task
	ArchiveName string
}

// Planner builds the batch for an expiry date (YYYY-MM-DD, empty for
// today).
type Planner func(ctx context.Context, expiry string) (Batch, error)

type Runner interface {
	RunWithID(ctx context.Context, id string, tasks []pipeline.Task, archiveName string) (*pipeline.Summary, error)
}

// Service executes runs one at a time and keeps their history.
type Service struct {
	repo   Repository
	runner Runner
	plan   Planner
	base   context.Context
	log    *slog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup
}

type Option func(*Service)

// WithBaseContext sets the context background runs started by Start
// inherit. Cancelling it stops dispatching new tasks.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Service) { s.base = ctx }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(repo Repository, runner Runner, plan Planner, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		runner: runner,
		plan:   plan,
		base:   context.Background(),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) RecoverStaleRuns(ctx context.Context) error {
	n, err := s.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("marked interrupted runs", "count", n)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, req GetRunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListRunsRequest) ([]Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, req.Status, req.Limit)
}

// Execute plans and runs synchronously. The returned error is set only for
// fatal conditions; failed instruments are part of the run.
func (s *Service) Execute(ctx context.Context, req StartRunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	r, err := s.begin(ctx, req.Trigger)
	if err != nil {
		return nil, err
	}
	return r, s.complete(ctx, r, req.Expiry)
}

// Start launches a run in the background and returns its id once the run
// is recorded.
func (s *Service) Start(ctx context.Context, req StartRunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}

	r, err := s.begin(ctx, req.Trigger)
	if err != nil {
		s.busy.Store(false)
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		if err := s.complete(s.base, r, req.Expiry); err != nil {
			s.log.Error("background run failed", "run_id", r.ID, "error", err)
		}
	}()
	return r.ID, nil
}

// Wait blocks until background runs have finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) begin(ctx context.Context, trigger Trigger) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, apperror.Wrap(apperror.Unavailable, "run history unavailable", err)
	}
	return r, nil
}

func (s *Service) complete(ctx context.Context, r *Run, expiry string) error {
	log := s.log.With("run_id", r.ID, "trigger", r.Trigger)

	runErr := s.run(ctx, r, expiry, log)
	if runErr != nil {
		r.Status = StatusFailed
		r.Error = runErr.Error()
	} else {
		r.Status = StatusCompleted
	}
	now := time.Now().UTC()
	r.FinishedAt = &now

	// The run context may already be cancelled; the outcome is recorded
	// regardless.
	if err := s.repo.Finish(context.WithoutCancel(ctx), r); err != nil {
		log.Error("failed to record run outcome", "error", err)
		if runErr == nil {
			return fmt.Errorf("record run outcome: %w", err)
		}
	}
	return runErr
}

func (s *Service) run(ctx context.Context, r *Run, expiry string, log *slog.Logger) error {
	batch, err := s.plan(ctx, expiry)
	if err != nil {
		log.Error("planning failed", "error", err)
		return fmt.Errorf("plan run: %w", err)
	}
	r.Expiry = batch.Expiry

	log.Info("run planned",
		"expiry", batch.Expiry.Format(time.DateOnly),
		"tasks", len(batch.Tasks),
		"archive", batch.ArchiveName)

	sum, err := s.runner.RunWithID(ctx, r.ID, batch.Tasks, batch.ArchiveName)
	if sum != nil {
		r.apply(sum)
		sum.Log(log)
	}
	return err
}

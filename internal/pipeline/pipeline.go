// Package pipeline fetches candles for a list of instrument tasks with a
// bounded worker pool, collects the results into one archive and hands the
// archive to an uploader.
//
// Task-level errors never escape a run: every task ends up either in the
// success list (with an archive entry) or in the failure list with a
// reason. Only precondition errors and a broken upload environment are
// returned as errors.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/expiry-archiver/internal/archive"
	"github.com/ahmethakanbesel/expiry-archiver/internal/metrics"
)

const (
	reasonNotDispatched = "not dispatched: run cancelled"

	cancelledUploadTimeout = 2 * time.Minute
)

// Uploader delivers a finalized archive. delivered=false with a nil error
// is a reported delivery failure; a non-nil error means the environment is
// broken.
type Uploader interface {
	Send(ctx context.Context, a *archive.Archive) (delivered bool, err error)
}

// Summary is what a run reports back to its caller.
type Summary struct {
	RunID       string        `json:"runId"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
	Succeeded   []string      `json:"succeeded"`
	Failed      []Failure     `json:"failed"`
	ArchiveName string        `json:"archiveName,omitempty"`
	ArchiveSize int64         `json:"archiveSize"`
	Uploaded    bool          `json:"uploaded"`
	Delivered   bool          `json:"delivered"`
	Duration    time.Duration `json:"duration"`
}

func (s *Summary) Total() int { return len(s.Succeeded) + len(s.Failed) }

type Pipeline struct {
	fetcher  Fetcher
	encoder  archive.Encoder
	uploader Uploader
	workers  int
	log      *slog.Logger
}

// New creates a pipeline. uploader may be nil, in which case archives are
// built but never delivered.
func New(fetcher Fetcher, encoder archive.Encoder, uploader Uploader, workers int, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		fetcher:  fetcher,
		encoder:  encoder,
		uploader: uploader,
		workers:  workers,
		log:      log,
	}
}

// Run executes all tasks and, if at least one succeeded, uploads the
// archive named archiveName.
func (p *Pipeline) Run(ctx context.Context, tasks []Task, archiveName string) (*Summary, error) {
	return p.RunWithID(ctx, uuid.NewString(), tasks, archiveName)
}

// RunWithID is Run under a caller supplied run id.
func (p *Pipeline) RunWithID(ctx context.Context, id string, tasks []Task, archiveName string) (*Summary, error) {
	if err := checkUnique(tasks); err != nil {
		return nil, err
	}

	sum := &Summary{
		RunID:     id,
		StartedAt: time.Now().UTC(),
		Succeeded: []string{},
		Failed:    []Failure{},
	}
	log := p.log.With("run_id", sum.RunID)
	defer func() {
		sum.FinishedAt = time.Now().UTC()
		sum.Duration = sum.FinishedAt.Sub(sum.StartedAt)
		metrics.RunDuration.Observe(sum.Duration.Seconds())
		metrics.LastRunTimestamp.Set(float64(sum.FinishedAt.Unix()))
	}()

	if len(tasks) == 0 {
		log.Info("no tasks to run")
		metrics.Deliveries.WithLabelValues("skipped").Inc()
		return sum, nil
	}

	log.Info("starting run", "tasks", len(tasks), "workers", p.workers)

	agg := NewAggregator(func(symbol string) string { return archive.EntryName(symbol, p.encoder) })
	record := func(o Outcome) {
		if err := agg.Record(o); err != nil {
			log.Error("record outcome", "symbol", o.Symbol, "error", err)
			return
		}
		if o.OK() {
			metrics.TasksTotal.WithLabelValues("success").Inc()
		} else {
			metrics.TasksTotal.WithLabelValues("failure").Inc()
		}
	}

	pool := NewWorkerPool(p.workers, p.handle, log)
	for _, t := range pool.Dispatch(ctx, tasks, record) {
		record(Failed(t.Symbol, reasonNotDispatched))
	}

	state := agg.Snapshot()
	sum.Succeeded = state.Succeeded
	sum.Failed = state.Failed

	arc, err := agg.Finalize(archiveName)
	if err != nil {
		return sum, fmt.Errorf("finalize archive: %w", err)
	}
	sum.ArchiveName = arc.Name
	sum.ArchiveSize = arc.Size()

	log.Info("fetch phase finished", "succeeded", len(sum.Succeeded), "failed", len(sum.Failed))

	if len(sum.Succeeded) == 0 || p.uploader == nil {
		if len(sum.Succeeded) == 0 {
			log.Error("no instrument succeeded, nothing to deliver")
		}
		metrics.Deliveries.WithLabelValues("skipped").Inc()
		return sum, nil
	}

	// Tasks dispatched before an abort still finished; deliver what they
	// fetched within a bounded grace period.
	uploadCtx := ctx
	if ctx.Err() != nil {
		log.Warn("run cancelled, delivering fetched archive", "timeout", cancelledUploadTimeout.String())
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cancelledUploadTimeout)
		defer cancel()
	}

	sum.Uploaded = true
	delivered, err := p.uploader.Send(uploadCtx, arc)
	if err != nil {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return sum, fmt.Errorf("deliver archive: %w", err)
	}
	sum.Delivered = delivered
	if delivered {
		metrics.Deliveries.WithLabelValues("delivered").Inc()
	} else {
		metrics.Deliveries.WithLabelValues("failed").Inc()
	}
	return sum, nil
}

func (p *Pipeline) handle(ctx context.Context, t Task) Outcome {
	candles, err := p.fetcher.Fetch(ctx, t)
	if err != nil {
		return Failed(t.Symbol, Reason(err))
	}
	payload, err := p.encoder.Encode(candles)
	if err != nil {
		return Failed(t.Symbol, "encode: "+err.Error())
	}
	return Succeeded(t.Symbol, payload)
}

// Log writes the run summary, one line per failure. The logger is
// expected to carry the run id.
func (s *Summary) Log(log *slog.Logger) {
	log.Info("run summary",
		"total", s.Total(),
		"succeeded", len(s.Succeeded),
		"failed", len(s.Failed),
		"archive", s.ArchiveName,
		"archive_bytes", s.ArchiveSize,
		"delivered", s.Delivered,
		"duration", s.Duration.String(),
	)
	for _, f := range s.Failed {
		log.Warn("instrument failed", "symbol", f.Symbol, "reason", f.Reason)
	}
}

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/archive"
	"github.com/ahmethakanbesel/expiry-archiver/internal/metrics"
	"github.com/ahmethakanbesel/expiry-archiver/internal/retry"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 2 * time.Second
	maxDelay            = 60 * time.Second
)

// Transporter stages an archive in a temporary file and hands it to a
// Deliverer under an exponential backoff policy.
type Transporter struct {
	deliverer Deliverer
	tempDir   string
	policy    retry.Policy
	log       *slog.Logger
}

type Option func(*Transporter)

// WithTempDir sets the directory for staged archives. Empty means the OS
// default.
func WithTempDir(dir string) Option {
	return func(t *Transporter) { t.tempDir = dir }
}

// WithRetry replaces the default attempt limit and initial backoff.
func WithRetry(maxAttempts int, initialDelay time.Duration) Option {
	return func(t *Transporter) {
		t.policy.MaxAttempts = maxAttempts
		t.policy.Backoff = retry.Exponential(initialDelay, 2, maxDelay)
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Transporter) { t.log = log }
}

func NewTransporter(d Deliverer, opts ...Option) *Transporter {
	t := &Transporter{
		deliverer: d,
		policy: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			Backoff:     retry.Exponential(DefaultInitialDelay, 2, maxDelay),
			Retryable:   IsTransient,
			MaxDelay:    maxDelay,
		},
		log: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("component", "transporter", "deliverer", d.Name())
	return t
}

// Send uploads the archive. Upload failures are reported as
// delivered=false; only a failure to stage the temporary file is returned
// as an error. The staged file is removed on every path.
func (t *Transporter) Send(ctx context.Context, a *archive.Archive) (bool, error) {
	f, err := os.CreateTemp(t.tempDir, "archive-*.zip")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.log.Warn("remove temp file", "path", path, "error", err)
		}
	}()

	if _, err := f.Write(a.Data); err != nil {
		f.Close()
		return false, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}

	doc := Document{Name: a.Name, Path: path, Size: a.Size()}

	policy := t.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		t.log.Warn("upload attempt failed, retrying",
			"archive", a.Name, "attempt", attempt, "delay", delay, "error", err)
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		err := t.deliver(ctx, doc)
		switch {
		case err == nil:
			metrics.UploadAttempts.WithLabelValues("ok").Inc()
		case IsTransient(err):
			metrics.UploadAttempts.WithLabelValues("transient").Inc()
		default:
			metrics.UploadAttempts.WithLabelValues("permanent").Inc()
		}
		return err
	})
	if err != nil {
		t.log.Error("archive not delivered", "archive", a.Name, "attempts", attempts, "error", err)
		return false, nil
	}

	t.log.Info("archive delivered", "archive", a.Name, "bytes", doc.Size, "attempts", attempts)
	return true, nil
}

// deliver makes one attempt. A panicking deliverer is turned into a
// permanent error so a faulty client cannot take down the run.
func (t *Transporter) deliver(ctx context.Context, doc Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	return t.deliverer.Deliver(ctx, doc)
}

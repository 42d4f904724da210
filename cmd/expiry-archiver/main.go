package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ahmethakanbesel/expiry-archiver/internal/archive"
	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
	"github.com/ahmethakanbesel/expiry-archiver/internal/candle/smartapi"
	"github.com/ahmethakanbesel/expiry-archiver/internal/candle/yahoo"
	"github.com/ahmethakanbesel/expiry-archiver/internal/config"
	"github.com/ahmethakanbesel/expiry-archiver/internal/delivery"
	"github.com/ahmethakanbesel/expiry-archiver/internal/logging"
	"github.com/ahmethakanbesel/expiry-archiver/internal/pipeline"
	"github.com/ahmethakanbesel/expiry-archiver/internal/plan"
	"github.com/ahmethakanbesel/expiry-archiver/internal/platform/sqlite"
	runrepo "github.com/ahmethakanbesel/expiry-archiver/internal/repository/run"
	"github.com/ahmethakanbesel/expiry-archiver/internal/run"
	"github.com/ahmethakanbesel/expiry-archiver/internal/scheduler"
	"github.com/ahmethakanbesel/expiry-archiver/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	// Root context: cancelled on SIGINT/SIGTERM so no further tasks are
	// dispatched. Tasks already running finish on their own.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	svc, err := newRunService(rootCtx, cfg, db, log)
	if err != nil {
		log.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	if err := svc.RecoverStaleRuns(rootCtx); err != nil {
		log.Error("failed to recover stale runs", "error", err)
	}

	if cfg.Schedule == "" {
		os.Exit(runOnce(rootCtx, cfg, svc, log))
	}
	os.Exit(serve(rootCtx, rootCancel, cfg, db, svc, log))
}

// runOnce performs a single run and returns the process exit code.
func runOnce(ctx context.Context, cfg config.Config, svc *run.Service, log *slog.Logger) int {
	r, err := svc.Execute(ctx, run.StartRunRequest{Trigger: run.TriggerOnce, Expiry: cfg.ExpiryDate})
	if err != nil {
		log.Error("run failed", "error", err)
		return 1
	}
	if cfg.ExitOnFailure && r.Total > 0 && r.SucceededCount == 0 {
		log.Error("no instrument succeeded", "run_id", r.ID, "failed", r.FailedCount)
		return 1
	}
	return 0
}

// serve runs the scheduler and the HTTP API until ctx is cancelled.
func serve(ctx context.Context, cancel context.CancelFunc, cfg config.Config, db *sqlite.DB, svc *run.Service, log *slog.Logger) int {
	sched := scheduler.New(ctx, log, cron.WithLocation(cfg.Location()))
	job := scheduler.NewJobFunc("archive-expiry", func(ctx context.Context) error {
		_, err := svc.Execute(ctx, run.StartRunRequest{Trigger: run.TriggerSchedule})
		return err
	})
	if err := sched.AddJob(cfg.Schedule, job); err != nil {
		log.Error("invalid schedule", "schedule", cfg.Schedule, "error", err)
		return 1
	}
	sched.Start()

	// HTTP server: ctx is the BaseContext so request contexts are cancelled
	// on shutdown.
	srv := server.New(ctx, cfg.Port, server.Deps{
		Runs:    svc,
		DB:      db,
		NextRun: sched.Next,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("server started", "port", cfg.Port, "schedule", cfg.Schedule, "timezone", cfg.Timezone)

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("server error", "error", err)
		code = 1
	}
	cancel()

	// Let the current run record its outcome before closing the database.
	sched.Stop()
	svc.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("server stopped")
	return code
}

func newRunService(ctx context.Context, cfg config.Config, db *sqlite.DB, log *slog.Logger) (*run.Service, error) {
	interval, err := candle.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}

	registry := candle.NewRegistry()
	registry.Register(smartapi.New(
		smartapi.WithCredentials(cfg.SmartAPI.APIKey, cfg.SmartAPI.AccessToken),
		smartapi.WithMinInterval(cfg.SmartAPI.MinInterval),
		withSmartAPIEndpoint(cfg.SmartAPI.Endpoint),
	))
	registry.Register(yahoo.New(yahoo.WithWorkers(cfg.Workers)))
	src, err := registry.Get(cfg.Source)
	if err != nil {
		return nil, err
	}
	log.Info("candle source selected", "source", src.Name(), "available", registry.Names())

	fetcher := pipeline.NewRetryingFetcher(src, pipeline.FetcherConfig{
		Exchange:       cfg.Exchange,
		Interval:       interval,
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	}, log)

	loc := cfg.Location()
	enc, err := archive.NewEncoder(cfg.ArchiveFormat, loc)
	if err != nil {
		return nil, err
	}

	uploader, err := newUploader(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	pl := pipeline.New(fetcher, enc, uploader, cfg.Workers, log)
	builder := plan.Builder{
		ManifestPath:  cfg.ManifestPath,
		LookbackDays:  cfg.LookbackDays,
		Location:      loc,
		ArchivePrefix: cfg.ArchivePrefix,
		IntervalLabel: interval.Label(),
		AllowEmpty:    cfg.AllowEmpty,
	}

	return run.NewService(runrepo.NewRepository(db.DB), pl, builder.Build,
		run.WithBaseContext(ctx),
		run.WithLogger(log),
	), nil
}

// newUploader returns nil for DELIVERY=none.
func newUploader(ctx context.Context, cfg config.Config, log *slog.Logger) (pipeline.Uploader, error) {
	var d delivery.Deliverer
	switch cfg.Delivery {
	case "telegram":
		opts := []delivery.TelegramOption{delivery.WithCaption(cfg.Telegram.Caption)}
		if cfg.Telegram.BaseURL != "" {
			opts = append(opts, delivery.WithTelegramURL(cfg.Telegram.BaseURL))
		}
		d = delivery.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, opts...)
	case "bucket":
		b, err := delivery.NewBucket(ctx, delivery.BucketConfig{
			Endpoint:        cfg.Bucket.Endpoint,
			Region:          cfg.Bucket.Region,
			Bucket:          cfg.Bucket.Name,
			Prefix:          cfg.Bucket.Prefix,
			AccessKeyID:     cfg.Bucket.AccessKeyID,
			SecretAccessKey: cfg.Bucket.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		d = b
	default:
		log.Warn("delivery disabled, archives will not be sent")
		return nil, nil
	}

	return delivery.NewTransporter(d,
		delivery.WithTempDir(cfg.TempDir),
		delivery.WithRetry(cfg.UploadMaxAttempts, cfg.UploadInitialDelay),
		delivery.WithLogger(log),
	), nil
}

func withSmartAPIEndpoint(ep string) smartapi.Option {
	if ep == "" {
		return func(*smartapi.Source) {}
	}
	return smartapi.WithEndpoint(ep)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
	"github.com/ahmethakanbesel/expiry-archiver/internal/metrics"
	"github.com/ahmethakanbesel/expiry-archiver/internal/retry"
)

// Fetcher resolves one task into candles or an error.
type Fetcher interface {
	Fetch(ctx context.Context, t Task) ([]candle.Candle, error)
}

type FetcherConfig struct {
	Exchange       string
	Interval       candle.Interval
	MaxRetries     int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// RetryingFetcher queries a candle source under a linear backoff policy.
// A well-formed empty answer is final: retrying will not produce data for a
// day that has none.
type RetryingFetcher struct {
	source         candle.Source
	exchange       string
	interval       candle.Interval
	attemptTimeout time.Duration
	policy         retry.Policy
	log            *slog.Logger
}

func NewRetryingFetcher(src candle.Source, cfg FetcherConfig, log *slog.Logger) *RetryingFetcher {
	if log == nil {
		log = slog.Default()
	}
	f := &RetryingFetcher{
		source:         src,
		exchange:       cfg.Exchange,
		interval:       cfg.Interval,
		attemptTimeout: cfg.AttemptTimeout,
		log:            log.With("component", "fetcher", "source", src.Name()),
	}
	f.policy = retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Backoff:     retry.Linear(cfg.BaseDelay),
		Retryable:   func(err error) bool { return !errors.Is(err, candle.ErrNoData) },
	}
	return f
}

func (f *RetryingFetcher) Fetch(ctx context.Context, t Task) ([]candle.Candle, error) {
	var out []candle.Candle

	policy := f.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.log.Warn("fetch attempt failed, retrying",
			"symbol", t.Symbol, "attempt", attempt, "delay", delay, "error", err)
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		candles, err := f.attempt(ctx, t)
		switch {
		case err != nil:
			metrics.FetchAttempts.WithLabelValues("error").Inc()
			return err
		case len(candles) == 0:
			metrics.FetchAttempts.WithLabelValues("no_data").Inc()
			return candle.ErrNoData
		}
		metrics.FetchAttempts.WithLabelValues("ok").Inc()
		out = candles
		return nil
	})
	if err != nil {
		f.log.Warn("fetch failed", "symbol", t.Symbol, "attempts", attempts, "error", err)
		return nil, err
	}

	f.log.Debug("fetched candles", "symbol", t.Symbol, "attempts", attempts, "count", len(out))
	return out, nil
}

// attempt makes one bounded call to the source. A panicking source is
// turned into an error so it cannot take down a worker.
func (f *RetryingFetcher) attempt(ctx context.Context, t Task) (candles []candle.Candle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panic: %v", r)
		}
	}()

	if f.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.attemptTimeout)
		defer cancel()
	}

	return f.source.Candles(ctx, candle.Query{
		Exchange: f.exchange,
		Symbol:   t.Symbol,
		Token:    t.Token,
		Interval: f.interval,
		From:     t.From,
		To:       t.To,
	})
}

// Reason renders a fetch error as the failure reason kept for reporting.
func Reason(err error) string {
	if errors.Is(err, candle.ErrNoData) {
		return "No data"
	}
	return err.Error()
}

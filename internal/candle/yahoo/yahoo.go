// Package yahoo implements a candle source for Yahoo Finance OHLCV data.
// It uses the v8 chart API with cookie + crumb authentication, matching the
// approach used by the yfinance Python library.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
)

const (
	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	defaultCookieURL     = "https://fc.yahoo.com"
	defaultCrumbURL      = "https://query1.finance.yahoo.com/v1/test/getcrumb"
	dateFormat           = "2006-01-02 15:04"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Yahoo caps how much intraday history one chart request may span.
var chunkSizes = map[candle.Interval]time.Duration{
	candle.OneMinute:     7 * 24 * time.Hour,
	candle.FiveMinute:    59 * 24 * time.Hour,
	candle.FifteenMinute: 59 * 24 * time.Hour,
	candle.ThirtyMinute:  59 * 24 * time.Hour,
	candle.OneHour:       729 * 24 * time.Hour,
	candle.OneDay:        1250 * 24 * time.Hour,
}

var intervalParams = map[candle.Interval]string{
	candle.OneMinute:     "1m",
	candle.FiveMinute:    "5m",
	candle.FifteenMinute: "15m",
	candle.ThirtyMinute:  "30m",
	candle.OneHour:       "60m",
	candle.OneDay:        "1d",
}

// Source fetches OHLCV candles from Yahoo Finance.
type Source struct {
	workers       int
	client        *http.Client
	chartEndpoint string
	cookieURL     string
	crumbURL      string

	mu    sync.Mutex
	crumb string
}

// New creates a Source with the given options applied.
func New(opts ...Option) *Source {
	jar, _ := cookiejar.New(nil)
	s := &Source{
		workers:       3,
		client:        &http.Client{Jar: jar, Timeout: 60 * time.Second},
		chartEndpoint: defaultChartEndpoint,
		cookieURL:     defaultCookieURL,
		crumbURL:      defaultCrumbURL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Option configures a Source.
type Option func(*Source)

// WithWorkers sets the concurrency for parallel chunk fetching.
func WithWorkers(n int) Option {
	return func(s *Source) { s.workers = n }
}

// WithClient sets the HTTP client. The client should have a cookie jar.
func WithClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithChartEndpoint overrides the default chart API endpoint.
func WithChartEndpoint(ep string) Option {
	return func(s *Source) { s.chartEndpoint = ep }
}

// WithCookieURL overrides the URL used to obtain the session cookie.
func WithCookieURL(u string) Option {
	return func(s *Source) { s.cookieURL = u }
}

// WithCrumbURL overrides the URL used to obtain the crumb token.
func WithCrumbURL(u string) Option {
	return func(s *Source) { s.crumbURL = u }
}

func (s *Source) Name() string { return "yahoo" }

type quote struct {
	Open   []any `json:"open"`
	High   []any `json:"high"`
	Low    []any `json:"low"`
	Close  []any `json:"close"`
	Volume []any `json:"volume"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []quote `json:"quote"`
	} `json:"indicators"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// chartResponse represents the Yahoo Finance v8 chart API response.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

// Candles fetches candles for q.Symbol. Long ranges are split into chunks
// fetched in parallel; any failing chunk fails the whole call so the caller
// can retry it as one attempt.
func (s *Source) Candles(ctx context.Context, q candle.Query) ([]candle.Candle, error) {
	if q.Symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	param, ok := intervalParams[q.Interval]
	if !ok {
		return nil, fmt.Errorf("yahoo does not support interval %s", q.Interval)
	}

	// Ensure we have a valid crumb before starting parallel fetches.
	if err := s.ensureCrumb(ctx); err != nil {
		return nil, fmt.Errorf("yahoo auth: %w", err)
	}

	chunks := candle.SplitDateRange(q.From, q.To, chunkSizes[q.Interval])
	results := make([][]candle.Candle, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.workers, 1))

	for i, c := range chunks {
		g.Go(func() error {
			candles, err := s.fetchChart(ctx, q.Symbol, param, c.From, c.To)
			if err != nil {
				slog.Error("error retrieving yahoo data", "symbol", q.Symbol,
					"from", c.From.Format(dateFormat), "to", c.To.Format(dateFormat), "error", err)
				return err
			}
			results[i] = candles
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []candle.Candle
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// ensureCrumb fetches a session cookie and crumb token if not already cached.
func (s *Source) ensureCrumb(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.crumb != "" {
		return nil
	}

	cookieReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cookieURL, nil)
	if err != nil {
		return fmt.Errorf("build cookie request: %w", err)
	}
	cookieReq.Header.Set("User-Agent", userAgent)

	cookieRes, err := s.client.Do(cookieReq) //nolint:gosec // URL from internal config
	if err != nil {
		return fmt.Errorf("fetch cookie: %w", err)
	}
	_ = cookieRes.Body.Close()

	crumbReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.crumbURL, nil)
	if err != nil {
		return fmt.Errorf("build crumb request: %w", err)
	}
	crumbReq.Header.Set("User-Agent", userAgent)

	crumbRes, err := s.client.Do(crumbReq) //nolint:gosec // URL from internal config
	if err != nil {
		return fmt.Errorf("fetch crumb: %w", err)
	}
	defer func() { _ = crumbRes.Body.Close() }()

	if crumbRes.StatusCode != http.StatusOK {
		return fmt.Errorf("crumb endpoint returned HTTP %d", crumbRes.StatusCode)
	}

	body, err := io.ReadAll(crumbRes.Body)
	if err != nil {
		return fmt.Errorf("read crumb: %w", err)
	}

	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return fmt.Errorf("empty crumb received")
	}

	s.crumb = crumb
	slog.Info("yahoo: obtained crumb", "crumb_len", len(crumb))
	return nil
}

// fetchChart fetches chart data for a single date range chunk.
func (s *Source) fetchChart(ctx context.Context, symbol, interval string, from, to time.Time) ([]candle.Candle, error) {
	s.mu.Lock()
	crumb := s.crumb
	s.mu.Unlock()

	reqURL := fmt.Sprintf("%s/%s?period1=%s&period2=%s&interval=%s&crumb=%s",
		s.chartEndpoint,
		symbol,
		strconv.FormatInt(from.Unix(), 10),
		strconv.FormatInt(to.Unix(), 10),
		interval,
		crumb,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := s.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		// Invalidate crumb on auth errors so the next attempt re-authenticates.
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			s.mu.Lock()
			s.crumb = ""
			s.mu.Unlock()
		}
		return nil, fmt.Errorf("yahoo returned HTTP %d for %s", res.StatusCode, symbol)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse yahoo response: %v", candle.ErrMalformed, err)
	}

	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("%w: yahoo chart error: %s: %s", candle.ErrUnsuccessful,
			resp.Chart.Error.Code, resp.Chart.Error.Description)
	}

	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	result := resp.Chart.Result[0]
	q := result.Indicators.Quote[0]
	n := min(len(result.Timestamp), len(q.Open), len(q.High), len(q.Low), len(q.Close))
	candles := make([]candle.Candle, 0, n)
	for i := range n {
		o, ok1 := toFloat64(q.Open[i])
		h, ok2 := toFloat64(q.High[i])
		l, ok3 := toFloat64(q.Low[i])
		c, ok4 := toFloat64(q.Close[i])
		// Yahoo emits null rows for minutes without trades.
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		var vol int64
		if i < len(q.Volume) {
			if v, ok := toFloat64(q.Volume[i]); ok {
				vol = int64(v)
			}
		}
		candles = append(candles, candle.Candle{
			Time:   time.Unix(result.Timestamp[i], 0).UTC(),
			Open:   o,
			High:   h,
			Low:    l,
			Close:  c,
			Volume: vol,
		})
	}

	slog.Debug("retrieved yahoo data", "symbol", symbol,
		"from", from.Format(dateFormat), "to", to.Format(dateFormat),
		"count", len(candles))

	return candles, nil
}

// toFloat64 converts a JSON number (which may be float64 or json.Number) to float64.
// Returns false for nil values (Yahoo uses null for missing data points).
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

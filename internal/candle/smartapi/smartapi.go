// Package smartapi implements a candle source for the SmartAPI historical
// candle endpoint. Session handling is outside its scope: it is configured
// with an already issued access token.
package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
)

const (
	defaultEndpoint = "https://apiconnect.angelone.in/rest/secure/angelbroking/historical/v1/getCandleData"
	dateFormat      = "2006-01-02 15:04"
)

// Source fetches candles from SmartAPI.
type Source struct {
	client      *http.Client
	endpoint    string
	apiKey      string
	accessToken string
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// New creates a Source with the given options applied. The default client
// bounds connect and whole-request time so a stalled attempt cannot hold a
// worker forever.
func New(opts ...Option) *Source {
	s := &Source{
		client:   defaultClient(),
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: 15 * time.Second,
			MaxIdleConnsPerHost: 8,
		},
	}
}

// Option configures a Source.
type Option func(*Source)

func WithClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

func WithEndpoint(ep string) Option {
	return func(s *Source) { s.endpoint = ep }
}

// WithCredentials sets the API key and the session access token.
func WithCredentials(apiKey, accessToken string) Option {
	return func(s *Source) {
		s.apiKey = apiKey
		s.accessToken = accessToken
	}
}

// WithMinInterval spaces consecutive requests across all workers by at
// least d. The provider throttles historical queries per second.
func WithMinInterval(d time.Duration) Option {
	return func(s *Source) { s.minInterval = d }
}

func (s *Source) Name() string { return "smartapi" }

type candleRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

type candleResponse struct {
	Status    bool    `json:"status"`
	Message   string  `json:"message"`
	ErrorCode string  `json:"errorcode"`
	Data      [][]any `json:"data"`
}

// Candles issues exactly one request for the query.
func (s *Source) Candles(ctx context.Context, q candle.Query) ([]candle.Candle, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Token == "" {
		return nil, fmt.Errorf("symbol token cannot be empty")
	}

	body, err := json.Marshal(candleRequest{
		Exchange:    q.Exchange,
		SymbolToken: q.Token,
		Interval:    string(q.Interval),
		FromDate:    q.From.Format(dateFormat),
		ToDate:      q.To.Format(dateFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := s.throttle(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", s.apiKey)
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	res, err := s.client.Do(req) //nolint:gosec // URL from internal config
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smartapi returned HTTP %d for token %s", res.StatusCode, q.Token)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var resp candleResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", candle.ErrMalformed, err)
	}

	if !resp.Status {
		return nil, fmt.Errorf("%w: %s (%s)", candle.ErrUnsuccessful, resp.Message, resp.ErrorCode)
	}

	candles, err := candle.ParseRows(resp.Data)
	if err != nil {
		return nil, err
	}

	slog.Debug("retrieved smartapi candles", "token", q.Token, "symbol", q.Symbol,
		"from", q.From.Format(dateFormat), "to", q.To.Format(dateFormat), "count", len(candles))
	return candles, nil
}

// throttle blocks until minInterval has passed since the previous request.
func (s *Source) throttle(ctx context.Context) error {
	if s.minInterval <= 0 {
		return nil
	}

	s.mu.Lock()
	wait := time.Until(s.last.Add(s.minInterval))
	if wait < 0 {
		wait = 0
	}
	s.last = time.Now().Add(wait)
	s.mu.Unlock()

	if wait == 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

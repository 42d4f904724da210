package candle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoData means the source answered successfully but had no rows.
	ErrNoData = errors.New("no data")
	// ErrUnsuccessful means the source flagged the request as failed.
	ErrUnsuccessful = errors.New("source reported an unsuccessful response")
	// ErrMalformed means the response did not match the expected row schema.
	ErrMalformed = errors.New("malformed candle data")
)

type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

type Interval string

const (
	OneMinute     Interval = "ONE_MINUTE"
	FiveMinute    Interval = "FIVE_MINUTE"
	FifteenMinute Interval = "FIFTEEN_MINUTE"
	ThirtyMinute  Interval = "THIRTY_MINUTE"
	OneHour       Interval = "ONE_HOUR"
	OneDay        Interval = "ONE_DAY"
)

var intervalLabels = map[Interval]string{
	OneMinute:     "1min",
	FiveMinute:    "5min",
	FifteenMinute: "15min",
	ThirtyMinute:  "30min",
	OneHour:       "1h",
	OneDay:        "1d",
}

// ParseInterval validates a provider interval name.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if _, ok := intervalLabels[i]; !ok {
		return "", fmt.Errorf("unsupported interval: %s", s)
	}
	return i, nil
}

// Label is the short form used in archive names, e.g. "1min".
func (i Interval) Label() string {
	if l, ok := intervalLabels[i]; ok {
		return l
	}
	return string(i)
}

// Query is one historical candle request for a single instrument.
type Query struct {
	Exchange string
	Symbol   string
	Token    string
	Interval Interval
	From     time.Time
	To       time.Time
}

func (q Query) Validate() error {
	if q.Token == "" && q.Symbol == "" {
		return fmt.Errorf("token or symbol is required")
	}
	if q.From.IsZero() || q.To.IsZero() {
		return fmt.Errorf("date range is required")
	}
	if q.From.After(q.To) {
		return fmt.Errorf("start date cannot be after end date")
	}
	return nil
}

// Source fetches candles for one query. Implementations return ErrNoData
// wrapped or an empty slice for a well-formed empty answer, ErrUnsuccessful
// when the provider flags the request as failed and ErrMalformed for rows
// that cannot be decoded.
type Source interface {
	Name() string
	Candles(ctx context.Context, q Query) ([]Candle, error)
}

type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Name()] = s
}

func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("candle source not found: %s (available: %s)", name, strings.Join(r.names(), ", "))
	}
	return s, nil
}

// Names lists the registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

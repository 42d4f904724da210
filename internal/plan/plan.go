// Package plan turns an instrument manifest and an expiry date into the
// task list for one run.
package plan

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/archive"
	"github.com/ahmethakanbesel/expiry-archiver/internal/pipeline"
	"github.com/ahmethakanbesel/expiry-archiver/internal/run"
)

var (
	ErrNoTasks         = errors.New("no tasks available")
	ErrInvalidHeader   = errors.New("manifest header must contain symbol and token columns")
	ErrInvalidExpiry   = errors.New("invalid expiry date")
	ErrInvalidLookback = errors.New("lookback days must be positive")
)

const (
	DefaultLookbackDays = 90
	dateLayout          = "2006-01-02"
)

var (
	sessionOpen  = [2]int{9, 15}
	sessionClose = [2]int{15, 30}
)

// Instrument is one manifest row.
type Instrument struct {
	Symbol string
	Token  string
}

// Load reads a CSV manifest with a header naming at least the symbol and
// token columns. Blank lines and lines starting with '#' are skipped. A
// missing file is ErrNoTasks.
func Load(path string) ([]Instrument, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s not found", ErrNoTasks, path)
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) ([]Instrument, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	head, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest header: %w", err)
	}

	symCol, tokCol := -1, -1
	for i, h := range head {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "symbol", "tradingsymbol":
			symCol = i
		case "token", "symboltoken":
			tokCol = i
		}
	}
	if symCol < 0 || tokCol < 0 {
		return nil, ErrInvalidHeader
	}

	var out []Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) <= max(symCol, tokCol) {
			return nil, fmt.Errorf("manifest line %d: expected %d columns, got %d", line, len(head), len(rec))
		}
		in := Instrument{
			Symbol: strings.TrimSpace(rec[symCol]),
			Token:  strings.TrimSpace(rec[tokCol]),
		}
		if in.Symbol == "" || in.Token == "" {
			return nil, fmt.Errorf("manifest line %d: symbol and token are required", line)
		}
		out = append(out, in)
	}
	return out, nil
}

// Window is the candle range fetched for every instrument of a run.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow returns the range from lookbackDays before expiry at session
// open to expiry at session close, in loc.
func NewWindow(expiry time.Time, lookbackDays int, loc *time.Location) (Window, error) {
	if lookbackDays <= 0 {
		return Window{}, ErrInvalidLookback
	}
	y, m, d := expiry.In(loc).Date()
	to := time.Date(y, m, d, sessionClose[0], sessionClose[1], 0, 0, loc)
	start := time.Date(y, m, d, sessionOpen[0], sessionOpen[1], 0, 0, loc).AddDate(0, 0, -lookbackDays)
	return Window{From: start, To: to}, nil
}

// ParseExpiry reads a YYYY-MM-DD date in loc. An empty string means today.
func ParseExpiry(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidExpiry, s)
	}
	return t, nil
}

// Tasks builds one task per instrument over the window, preserving order.
func Tasks(instruments []Instrument, w Window) []pipeline.Task {
	tasks := make([]pipeline.Task, 0, len(instruments))
	for _, in := range instruments {
		tasks = append(tasks, pipeline.Task{
			Symbol: in.Symbol,
			Token:  in.Token,
			From:   w.From,
			To:     w.To,
		})
	}
	return tasks
}

// Builder plans runs from a manifest on disk. The manifest is re-read for
// every run so it can change between scheduled runs.
type Builder struct {
	ManifestPath  string
	LookbackDays  int
	Location      *time.Location
	ArchivePrefix string
	IntervalLabel string
	// AllowEmpty turns an empty manifest into a no-op run instead of
	// ErrNoTasks.
	AllowEmpty bool
	Now        func() time.Time
}

func (b Builder) Build(_ context.Context, expiry string) (run.Batch, error) {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	day, err := ParseExpiry(expiry, loc, now())
	if err != nil {
		return run.Batch{}, err
	}
	w, err := NewWindow(day, b.LookbackDays, loc)
	if err != nil {
		return run.Batch{}, err
	}

	instruments, err := Load(b.ManifestPath)
	if err != nil {
		return run.Batch{}, err
	}
	if len(instruments) == 0 && !b.AllowEmpty {
		return run.Batch{}, fmt.Errorf("%w: manifest %s is empty", ErrNoTasks, b.ManifestPath)
	}

	return run.Batch{
		Expiry:      day,
		Tasks:       Tasks(instruments, w),
		ArchiveName: archive.Name(b.ArchivePrefix, day, b.IntervalLabel),
	}, nil
}

package pipeline

import (
	"fmt"
	"sync"

	"github.com/ahmethakanbesel/expiry-archiver/internal/archive"
)

// State is a consistent copy of the aggregator's run state.
type State struct {
	Succeeded []string
	Failed    []Failure
}

func (s State) Total() int { return len(s.Succeeded) + len(s.Failed) }

// Aggregator is the single synchronization point for outcomes. One mutex
// guards the success list, the failure list and the archive builder
// together, so len(successes)+len(failures) always equals the number of
// recorded outcomes and the archive holds exactly one entry per success.
type Aggregator struct {
	entryName func(symbol string) string

	mu        sync.Mutex
	builder   *archive.Builder
	successes []string
	failures  []Failure
	seen      map[string]struct{}
	finalized bool
}

func NewAggregator(entryName func(symbol string) string) *Aggregator {
	return &Aggregator{
		entryName: entryName,
		builder:   archive.NewBuilder(),
		seen:      make(map[string]struct{}),
	}
}

// Record stores an outcome. A success whose archive write fails is kept as
// a failure.
func (a *Aggregator) Record(o Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return ErrFinalized
	}
	if _, ok := a.seen[o.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, o.Symbol)
	}
	a.seen[o.Symbol] = struct{}{}

	if !o.OK() {
		a.failures = append(a.failures, Failure{Symbol: o.Symbol, Reason: o.Reason})
		return nil
	}

	if err := a.builder.Add(a.entryName(o.Symbol), o.Payload); err != nil {
		a.failures = append(a.failures, Failure{Symbol: o.Symbol, Reason: "archive: " + err.Error()})
		return nil
	}
	a.successes = append(a.successes, o.Symbol)
	return nil
}

func (a *Aggregator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		Succeeded: make([]string, len(a.successes)),
		Failed:    make([]Failure, len(a.failures)),
	}
	copy(s.Succeeded, a.successes)
	copy(s.Failed, a.failures)
	return s
}

// Finalize closes the archive. No outcome can be recorded afterwards.
func (a *Aggregator) Finalize(name string) (*archive.Archive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return nil, ErrFinalized
	}
	a.finalized = true
	return a.builder.Finalize(name)
}

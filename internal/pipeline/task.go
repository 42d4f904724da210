package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateSymbol = errors.New("duplicate symbol in task list")
	ErrAlreadyRecorded = errors.New("outcome already recorded for symbol")
	ErrFinalized       = errors.New("aggregator already finalized")
)

// Task is one instrument query. Symbol identifies it within a run.
type Task struct {
	Symbol string
	Token  string
	From   time.Time
	To     time.Time
}

// Outcome is the single result of a task: a payload on success or a reason
// on failure.
type Outcome struct {
	Symbol  string
	Payload []byte
	Reason  string
	ok      bool
}

func Succeeded(symbol string, payload []byte) Outcome {
	return Outcome{Symbol: symbol, Payload: payload, ok: true}
}

func Failed(symbol, reason string) Outcome {
	return Outcome{Symbol: symbol, Reason: reason}
}

func (o Outcome) OK() bool { return o.ok }

type Failure struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

func checkUnique(tasks []Task) error {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.Symbol]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSymbol, t.Symbol)
		}
		seen[t.Symbol] = struct{}{}
	}
	return nil
}

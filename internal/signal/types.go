// Package signal defines the inbound strategy-signal boundary. Signals are
// produced externally (already scored); the runtime only consumes them.
package signal

import (
	"context"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/ledger"
)

// Signal is an externally produced entry candidate. Immutable once received.
type Signal struct {
	ID          string
	Symbol      string
	Side        broker.Side
	Confidence  float64 // 1..5 scale
	PriceHint   float64 // proposed entry price
	StopHint    float64 // proposed protective stop
	SizeHint    float64 // optional quantity hint
	PolicyID    string  // scaling policy to evaluate under; empty = default
	GeneratedAt time.Time
}

// Source yields the signals available for the current entry-generation pass.
// Implementations must not block beyond the context deadline.
type Source interface {
	Pull(ctx context.Context) ([]Signal, error)
}

// Urgency classifies how an exit decision is carried out. Immediate exits are
// executed synchronously with a market order; EOD exits become durable intents
// executed in the next post-open window.
type Urgency int

const (
	UrgencyImmediate Urgency = iota + 1
	UrgencyEOD
)

func (u Urgency) String() string {
	switch u {
	case UrgencyImmediate:
		return "immediate"
	case UrgencyEOD:
		return "eod"
	default:
		return "unknown"
	}
}

// ExitSignal is an evaluator verdict for a single position.
type ExitSignal struct {
	Symbol   string
	ExitType string
	Reason   string
	Urgency  Urgency
}

// ExitEvaluator yields zero or one exit signal per position per pass.
type ExitEvaluator interface {
	Evaluate(ctx context.Context, pos *ledger.Position, currentPrice float64, now time.Time) (*ExitSignal, error)
}

// TrainingTrigger is invoked once per day after close. Errors are logged and
// non-fatal.
type TrainingTrigger func(ctx context.Context) error

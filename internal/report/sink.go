// Package report carries observability events off the hot path.
//
// The event loop emits an Event for every classified inbound message, every
// order state transition and every loop state change. Emit never blocks:
// when the buffer is full the event is dropped and counted. Run drains the
// buffer into the structured logger and, every Interval, logs a PnL summary
// read concurrently from the ledger.
package report

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tipoff/internal/config"
	"tipoff/internal/ledger"
	"tipoff/pkg/types"
)

// Type classifies report events.
type Type string

const (
	TypeInbound  Type = "inbound"  // a classified game message
	TypeOrder    Type = "order"    // an order state transition
	TypeState    Type = "state"    // an event loop state change
	TypeGameOver Type = "game_over"
)

// Event is one observability record.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      any
}

// StateChange is the payload of a TypeState event.
type StateChange struct {
	From   string
	To     string
	Reason string
}

// RoundResult is the payload of a TypeGameOver event: the server's final
// figure next to what the ledger booked.
type RoundResult struct {
	ServerPnL   decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Inbound wraps a classified event.
func Inbound(ev types.Event) Event {
	return Event{Type: TypeInbound, Timestamp: time.Now(), Data: ev}
}

// Order wraps a ledger transition.
func Order(tr ledger.Transition) Event {
	return Event{Type: TypeOrder, Timestamp: tr.At, Data: tr}
}

// State wraps a loop state change.
func State(from, to, reason string) Event {
	return Event{Type: TypeState, Timestamp: time.Now(), Data: StateChange{From: from, To: to, Reason: reason}}
}

// RoundOver reports the end of a game round.
func RoundOver(serverPnL, realized decimal.Decimal) Event {
	return Event{Type: TypeGameOver, Timestamp: time.Now(), Data: RoundResult{ServerPnL: serverPnL, RealizedPnL: realized}}
}

// SummaryProvider is read by the periodic PnL report.
type SummaryProvider interface {
	Summary() ledger.Summary
}

// Sink is a bounded, lossy event buffer with a logging consumer.
type Sink struct {
	events   chan Event
	interval time.Duration
	logger   *slog.Logger

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewSink creates a sink.
func NewSink(cfg config.ReportConfig, logger *slog.Logger) *Sink {
	size := cfg.Buffer
	if size <= 0 {
		size = 256
	}
	return &Sink{
		events:   make(chan Event, size),
		interval: cfg.Interval,
		logger:   logger.With("component", "report"),
	}
}

// Emit queues evt without blocking. A nil Sink discards everything.
func (s *Sink) Emit(evt Event) {
	if s == nil {
		return
	}
	select {
	case s.events <- evt:
		s.emitted.Add(1)
	default:
		// consumer can't keep up, drop event
		s.dropped.Add(1)
	}
}

// ObserveTransition emits a ledger transition. It has the signature of a
// ledger observer.
func (s *Sink) ObserveTransition(tr ledger.Transition) {
	s.Emit(Order(tr))
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Emitted returns how many events were accepted.
func (s *Sink) Emitted() uint64 { return s.emitted.Load() }

// Run consumes events until ctx is cancelled, then flushes what is buffered.
// provider, if not nil, is summarized every Interval.
func (s *Sink) Run(ctx context.Context, provider SummaryProvider) error {
	var tick <-chan time.Time
	if s.interval > 0 && provider != nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case evt := <-s.events:
			s.log(evt)
		case <-tick:
			s.logSummary(provider.Summary())
		}
	}
}

func (s *Sink) flush() {
	for {
		select {
		case evt := <-s.events:
			s.log(evt)
		default:
			if n := s.dropped.Load(); n > 0 {
				s.logger.Warn("report events dropped", "count", n)
			}
			return
		}
	}
}

func (s *Sink) log(evt Event) {
	switch d := evt.Data.(type) {
	case ledger.Transition:
		s.logger.Info("order",
			"id", d.ID,
			"from", d.From,
			"to", d.To,
			"reason", d.Reason,
		)
	case StateChange:
		s.logger.Info("loop state", "from", d.From, "to", d.To, "reason", d.Reason)
	case RoundResult:
		s.logger.Info("round over",
			"server_pnl", d.ServerPnL.String(),
			"realized_pnl", d.RealizedPnL.String(),
		)
	case types.Unknown:
		s.logger.Debug("unclassified message", "reason", d.Reason, "raw", string(d.Raw))
	case types.Event:
		s.logger.Debug("event", "kind", d.Kind(), "data", d)
	default:
		s.logger.Info(string(evt.Type), "data", d)
	}
}

func (s *Sink) logSummary(sum ledger.Summary) {
	s.logger.Info("pnl report",
		"orders", sum.Orders,
		"pending", sum.ByState[types.OrderPending],
		"acked", sum.ByState[types.OrderAcked],
		"filled", sum.ByState[types.OrderFilled],
		"rejected", sum.ByState[types.OrderRejected],
		"expired", sum.ByState[types.OrderExpired],
		"realized_pnl", sum.RealizedPnL.String(),
	)
}

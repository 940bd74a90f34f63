// Package engine is the event loop that drives the bot.
//
// It pulls raw frames from one game connection at a time, classifies each,
// and either resolves and dispatches a disclosure or applies a confirmation
// to the ledger. Connection lifetime is an explicit state machine:
//
//	CONNECTING   → STREAMING on handshake, RECONNECTING on failure
//	STREAMING    → RECONNECTING on stream close, repeated send failure or game over
//	             → DRAINING on stop signal (or game over with stop_on_game_over)
//	RECONNECTING → CONNECTING after backoff; every PENDING order is expired first
//	DRAINING     → STOPPED once nothing is outstanding or drain_timeout passes
//	STOPPED      terminal; remaining PENDING orders are expired
//
// Only configuration errors and handshake refusals before the first
// successful handshake escape Run. Every error after that is retried forever.
//
// Lifecycle: New() → Run(ctx) → [ctx cancelled] → final ledger.Summary
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tipoff/internal/classify"
	"tipoff/internal/config"
	"tipoff/internal/exchange"
	"tipoff/internal/ledger"
	"tipoff/internal/market"
	"tipoff/internal/report"
	"tipoff/internal/risk"
	"tipoff/internal/strategy"
	"tipoff/pkg/types"
)

// State is the event loop state.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateReconnecting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is one game connection.
type Conn interface {
	Sender
	Next(ctx context.Context) (types.RawMessage, error)
	Close() error
}

// Dialer opens game connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// ExchangeDialer adapts the WebSocket dialer to the engine.
func ExchangeDialer(d *exchange.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Option customizes an Engine.
type Option func(*Engine)

// WithIDGenerator replaces the random-prefix id generator.
func WithIDGenerator(g *IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// Engine owns the loop state. All fields except state are touched only by
// the goroutine running Run.
type Engine struct {
	cfg        config.Config
	dialer     Dialer
	classifier classify.Classifier
	resolver   *strategy.Resolver
	dispatcher *Dispatcher
	ledger     *ledger.Ledger
	book       *market.Book
	guard      *risk.Guard
	backoff    *exchange.Backoff
	sink       *report.Sink
	ids        *IDGenerator
	logger     *slog.Logger

	state        atomic.Int32
	conn         Conn
	connected    bool // a handshake has succeeded at least once
	sendFailures int  // consecutive
	puzzles      int  // unkeyed disclosures seen this round
	reason       string
	err          error
}

// New wires the loop. l is the process ledger; sink may be nil.
func New(cfg *config.Config, dialer Dialer, l *ledger.Ledger, sink *report.Sink, logger *slog.Logger, opts ...Option) (*Engine, error) {
	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}

	e := &Engine{
		cfg:        *cfg,
		dialer:     dialer,
		classifier: classify.New(cfg.Strategy.Instrument),
		resolver:   strategy.NewResolver(strat),
		ledger:     l,
		book:       market.NewBook(),
		guard:      risk.NewGuard(cfg.Risk, logger),
		backoff:    exchange.NewBackoff(cfg.Transport.BackoffInitial, cfg.Transport.BackoffMax),
		sink:       sink,
		logger:     logger.With("component", "engine"),
	}
	for _, o := range opts {
		o(e)
	}
	if e.ids == nil {
		e.ids = NewIDGenerator()
	}
	proto := exchange.Protocol{PlayerID: cfg.Game.PlayerID, Alias: cfg.Game.Alias, Token: cfg.Game.Token}
	e.dispatcher = NewDispatcher(e.ids, l, proto, logger)
	return e, nil
}

// State returns the current loop state. Safe for concurrent use.
func (e *Engine) State() State { return State(e.state.Load()) }

// Ledger returns the ledger the loop writes to.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Run drives the state machine until STOPPED. Cancelling ctx is the stop
// signal. The error is non-nil only for an unrecoverable startup failure.
func (e *Engine) Run(ctx context.Context) (ledger.Summary, error) {
	e.logger.Info("engine started",
		"endpoint", e.cfg.Game.Endpoint,
		"strategy", e.cfg.Strategy.Name,
		"order_size", e.cfg.Strategy.OrderSize,
	)
	e.state.Store(int32(StateConnecting))

	for {
		switch e.State() {
		case StateConnecting:
			e.connect(ctx)
		case StateStreaming:
			e.stream(ctx)
		case StateReconnecting:
			e.reconnect(ctx)
		case StateDraining:
			e.drain()
		case StateStopped:
			e.stop()
			return e.ledger.Summary(), e.err
		}
	}
}

func (e *Engine) transition(to State, reason string) {
	from := e.State()
	e.state.Store(int32(to))
	e.reason = reason
	e.logger.Info("state change", "from", from, "to", to, "reason", reason)
	e.sink.Emit(report.State(from.String(), to.String(), reason))
}

func (e *Engine) connect(ctx context.Context) {
	if ctx.Err() != nil {
		e.transition(StateDraining, "stop signal")
		return
	}

	conn, err := e.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			e.transition(StateDraining, "stop signal")
			return
		}
		if !e.connected && exchange.IsFatal(err) {
			e.err = fmt.Errorf("connect: %w", err)
			e.logger.Error("unrecoverable connection error", "error", err)
			e.transition(StateStopped, "fatal connection error")
			return
		}
		e.logger.Warn("connect failed", "error", err)
		e.transition(StateReconnecting, "connect failed")
		return
	}

	e.conn = conn
	e.connected = true
	e.sendFailures = 0
	e.backoff.Reset()
	e.transition(StateStreaming, "connected")
}

func (e *Engine) stream(ctx context.Context) {
	for {
		raw, err := e.conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.transition(StateDraining, "stop signal")
				return
			}
			e.logger.Warn("websocket disconnected", "error", err)
			e.transition(StateReconnecting, "stream closed")
			return
		}

		if next, reason := e.handle(ctx, raw); next != StateStreaming {
			e.transition(next, reason)
			return
		}
	}
}

// handle processes one frame while streaming and returns the next state.
func (e *Engine) handle(ctx context.Context, raw types.RawMessage) (State, string) {
	ev := e.classifier.Classify(raw)
	e.sink.Emit(report.Inbound(ev))

	switch ev := ev.(type) {
	case types.Disclosure:
		if e.onDisclosure(ctx, ev) {
			return StateReconnecting, "repeated send failures"
		}
	case types.GameOver:
		e.onGameOver(ev)
		if e.cfg.Engine.StopOnGameOver {
			return StateDraining, "game over"
		}
		return StateReconnecting, "game over"
	default:
		e.apply(ev)
	}
	return StateStreaming, ""
}

// apply handles every event that does not create orders.
func (e *Engine) apply(ev types.Event) {
	switch ev := ev.(type) {
	case types.MarketTick:
		e.book.Apply(ev)
	case types.OrderAck:
		e.logLedger("ack", ev.CorrelationID, e.ledger.ApplyAck(ev.CorrelationID))
	case types.OrderReject:
		err := e.ledger.ApplyReject(ev.CorrelationID, ev.Reason)
		if err == nil {
			e.logger.Warn("order rejected", "id", ev.CorrelationID, "reason", ev.Reason)
		}
		e.logLedger("reject", ev.CorrelationID, err)
	case types.Fill:
		pnl, err := e.ledger.ApplyFill(ev.CorrelationID, ev.Price, ev.Quantity)
		if err != nil {
			e.logLedger("fill", ev.CorrelationID, err)
			return
		}
		realized := e.ledger.RealizedPnL()
		e.guard.ObserveRealized(realized)
		e.logger.Info("order filled",
			"id", ev.CorrelationID,
			"price", ev.Price.String(),
			"qty", ev.Quantity,
			"pnl", pnl.String(),
			"realized_pnl", realized.String(),
		)
	case types.Unknown:
		e.logger.Debug("ignoring unclassified message", "reason", ev.Reason)
	}
}

// onDisclosure resolves and dispatches, then tells the server we are done
// with the puzzle whatever the outcome. Only a repeat of an already resolved
// keyed subject is ignored outright. It reports whether consecutive send
// failures reached the reconnect threshold.
func (e *Engine) onDisclosure(ctx context.Context, d types.Disclosure) bool {
	if !d.Keyed {
		e.puzzles++
		d.Subject = fmt.Sprintf("%s#%d", d.Subject, e.puzzles)
	}
	if e.resolver.Seen(d.Subject) {
		e.logger.Debug("duplicate disclosure ignored", "subject", d.Subject)
		return false
	}

	if e.trade(ctx, d) {
		return true
	}
	if !e.cfg.Strategy.SkipAfterDisclosure {
		return false
	}
	if err := e.dispatcher.Skip(ctx, e.conn); err != nil {
		return e.sendFailed("", err)
	}
	return false
}

// trade runs one disclosure through risk, strategy and dispatch.
func (e *Engine) trade(ctx context.Context, d types.Disclosure) bool {
	if err := e.guard.Admit(e.ledger.Outstanding()); err != nil {
		e.logger.Warn("disclosure skipped by risk guard", "subject", d.Subject, "error", err)
		return false
	}

	d = e.book.Stamp(d, e.cfg.Strategy.MarkMaxAge)
	action, ok, err := e.resolver.Resolve(d)
	if err != nil {
		e.logger.Warn("disclosure not actionable", "subject", d.Subject, "truth", d.Truth, "error", err)
		return false
	}
	if !ok {
		e.logger.Debug("disclosure implies no trade", "subject", d.Subject, "truth", d.Truth)
		return false
	}
	action = e.guard.Limit(action)

	h, err := e.dispatcher.Dispatch(ctx, e.conn, action)
	if err != nil {
		if h.State == types.OrderRejected {
			return e.sendFailed(h.ID, err)
		}
		e.logger.Warn("order not sent", "subject", d.Subject, "error", err)
		return false
	}
	e.sendFailures = 0
	e.logger.Info("order sent",
		"id", h.ID,
		"subject", d.Subject,
		"side", action.Side,
		"qty", action.Quantity,
		"price_limit", action.PriceLimit.String(),
	)
	return false
}

func (e *Engine) sendFailed(id types.CorrelationID, err error) bool {
	e.sendFailures++
	e.logger.Warn("send failed",
		"id", id,
		"error", err,
		"consecutive", e.sendFailures,
		"threshold", e.cfg.Engine.MaxSendFailures,
	)
	return e.sendFailures >= e.cfg.Engine.MaxSendFailures
}

func (e *Engine) onGameOver(ev types.GameOver) {
	realized := e.ledger.RealizedPnL()
	e.logger.Info("game over",
		"server_pnl", ev.PnL.String(),
		"realized_pnl", realized.String(),
		"resolved", e.resolver.Resolved(),
	)
	e.sink.Emit(report.RoundOver(ev.PnL, realized))
	e.resolver.Reset()
	e.book.Reset()
	e.puzzles = 0
}

func (e *Engine) reconnect(ctx context.Context) {
	e.closeConn()

	if ids := e.ledger.ExpirePending(types.ReasonReconnect); len(ids) > 0 {
		e.logger.Warn("expired pending orders", "count", len(ids), "reason", types.ReasonReconnect)
	}

	delay := e.backoff.Next()
	e.logger.Info("reconnecting", "backoff", delay)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		e.transition(StateDraining, "stop signal")
	case <-t.C:
		e.transition(StateConnecting, "backoff elapsed")
	}
}

// drain applies confirmations for outstanding orders and ignores new
// disclosures. It has its own deadline since the parent ctx is usually done.
func (e *Engine) drain() {
	if e.conn == nil || e.ledger.Outstanding() == 0 {
		e.transition(StateStopped, "nothing outstanding")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.DrainTimeout)
	defer cancel()

	e.logger.Info("draining", "outstanding", e.ledger.Outstanding(), "timeout", e.cfg.Engine.DrainTimeout)
	for e.ledger.Outstanding() > 0 {
		raw, err := e.conn.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				e.transition(StateStopped, "drain timeout")
			} else {
				e.transition(StateStopped, "stream closed while draining")
			}
			return
		}

		ev := e.classifier.Classify(raw)
		e.sink.Emit(report.Inbound(ev))
		switch ev := ev.(type) {
		case types.Disclosure:
			e.logger.Debug("disclosure ignored while draining", "subject", ev.Subject)
		case types.GameOver:
			e.onGameOver(ev)
			e.transition(StateStopped, "game over while draining")
			return
		default:
			e.apply(ev)
		}
	}
	e.transition(StateStopped, "drained")
}

func (e *Engine) stop() {
	if ids := e.ledger.ExpirePending(types.ReasonShutdown); len(ids) > 0 {
		e.logger.Warn("expired pending orders", "count", len(ids), "reason", types.ReasonShutdown)
	}
	e.closeConn()

	sum := e.ledger.Summary()
	e.logger.Info("engine stopped",
		"orders", sum.Orders,
		"filled", sum.ByState[types.OrderFilled],
		"realized_pnl", sum.RealizedPnL.String(),
	)
}

func (e *Engine) closeConn() {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("close connection", "error", err)
	}
	e.conn = nil
}

func (e *Engine) logLedger(op string, id types.CorrelationID, err error) {
	switch {
	case err == nil:
		e.logger.Debug("order confirmation applied", "op", op, "id", id)
	case errors.Is(err, ledger.ErrUnknownCorrelationID):
		e.logger.Warn("confirmation for unknown order", "op", op, "id", id)
	case errors.Is(err, ledger.ErrInvalidTransition):
		e.logger.Warn("anomalous confirmation", "op", op, "id", id, "error", err)
	default:
		e.logger.Error("ledger update failed", "op", op, "id", id, "error", err)
	}
}

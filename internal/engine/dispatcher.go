package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tipoff/internal/exchange"
	"tipoff/internal/ledger"
	"tipoff/pkg/types"
)

// Sender is the outbound half of a connection.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// OrderHandle identifies a dispatched order and the state it was left in.
type OrderHandle struct {
	ID    types.CorrelationID
	Seq   uint64
	State types.OrderState
}

// Dispatcher turns actions into orders on the wire. The ledger write always
// precedes the send, so a crash in between leaves a PENDING order that the
// next reconnect expires.
type Dispatcher struct {
	ids    *IDGenerator
	ledger *ledger.Ledger
	proto  exchange.Protocol
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher writing to l.
func NewDispatcher(ids *IDGenerator, l *ledger.Ledger, proto exchange.Protocol, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ids:    ids,
		ledger: l,
		proto:  proto,
		logger: logger.With("component", "dispatcher"),
	}
}

// Dispatch records a as a PENDING order and sends it.
//
//   - send failure: the order becomes REJECTED{SEND_FAILURE} and the error
//     wraps exchange.ErrSend;
//   - ctx already done: the order is recorded and EXPIRED{SHUTDOWN}, never
//     sent, and the error wraps ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, s Sender, a types.Action) (OrderHandle, error) {
	id, seq := d.ids.Next()
	frame, err := d.proto.TradeFrame(id, a)
	if err != nil {
		return OrderHandle{}, err
	}

	if err := d.ledger.Record(types.Order{ID: id, Seq: seq, Action: a, SentAt: time.Now()}); err != nil {
		return OrderHandle{}, err
	}
	h := OrderHandle{ID: id, Seq: seq, State: types.OrderPending}

	if err := ctx.Err(); err != nil {
		if xerr := d.ledger.Expire(id, types.ReasonShutdown); xerr != nil {
			d.logger.Error("expire unsent order", "id", id, "error", xerr)
		}
		h.State = types.OrderExpired
		return h, fmt.Errorf("order %s not sent: %w", id, err)
	}

	if err := s.Send(ctx, frame); err != nil {
		if merr := d.ledger.MarkSendFailed(id, err); merr != nil {
			d.logger.Error("mark send failure", "id", id, "error", merr)
		}
		h.State = types.OrderRejected
		return h, fmt.Errorf("send order %s: %w", id, err)
	}

	d.logger.Debug("order sent", "id", id, "action", a.String())
	return h, nil
}

// Skip tells the server we are done with the current puzzle.
func (d *Dispatcher) Skip(ctx context.Context, s Sender) error {
	frame, err := d.proto.SkipFrame()
	if err != nil {
		return err
	}
	if err := s.Send(ctx, frame); err != nil {
		return fmt.Errorf("send skip: %w", err)
	}
	return nil
}

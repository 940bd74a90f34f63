// Package ledger tracks every order sent during the process lifetime and the
// realized PnL booked from their fills.
//
// Orders are keyed by correlation id, never by position in a queue, because
// confirmations can arrive out of order or straddle a reconnect. The state
// machine is:
//
//	PENDING → ACKED | FILLED | REJECTED | EXPIRED
//	ACKED   → FILLED | REJECTED
//
// Terminal orders accept nothing further. A second fill for a FILLED order
// returns ErrInvalidTransition and leaves realized PnL untouched.
//
// The event loop is the only writer. A RWMutex lets the PnL reporter read
// concurrently; it may observe a PENDING order whose send has not completed.
package ledger

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tipoff/pkg/types"
)

var (
	// ErrUnknownCorrelationID is a confirmation for an order we never sent
	// (typically from before a restart).
	ErrUnknownCorrelationID = errors.New("unknown correlation id")
	// ErrInvalidTransition is a confirmation that does not fit the order's
	// current state, e.g. a duplicate fill.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrDuplicateOrder means Record was called twice with the same id.
	ErrDuplicateOrder = errors.New("duplicate correlation id")
)

// Transition describes one order state change, for observability.
type Transition struct {
	ID     types.CorrelationID
	From   types.OrderState
	To     types.OrderState
	Reason types.Reason
	At     time.Time
}

// Summary is a point-in-time view of the ledger.
type Summary struct {
	Orders      int
	ByState     map[types.OrderState]int
	Fills       int
	FilledQty   int64
	RealizedPnL decimal.Decimal
}

func (s Summary) String() string {
	return fmt.Sprintf("orders=%d pending=%d acked=%d filled=%d rejected=%d expired=%d realized_pnl=%s",
		s.Orders,
		s.ByState[types.OrderPending], s.ByState[types.OrderAcked], s.ByState[types.OrderFilled],
		s.ByState[types.OrderRejected], s.ByState[types.OrderExpired],
		s.RealizedPnL.String())
}

// Ledger is the process-wide order book of our own orders.
type Ledger struct {
	mu       sync.RWMutex
	orders   map[types.CorrelationID]*types.Order
	realized decimal.Decimal
	fills    int
	filled   int64

	now      func() time.Time
	observer func(Transition)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithObserver registers a callback invoked, under the write lock, for every
// state change. It must not block or call back into the ledger.
func WithObserver(fn func(Transition)) Option {
	return func(l *Ledger) { l.observer = fn }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		orders: make(map[types.CorrelationID]*types.Order),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record inserts a new order. Its state is forced to PENDING and its
// reference price defaults to the action's price limit.
func (l *Ledger) Record(o types.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.orders[o.ID]; exists {
		return fmt.Errorf("record %s: %w", o.ID, ErrDuplicateOrder)
	}
	now := l.now()
	o.State = types.OrderPending
	o.Reason = types.ReasonNone
	if o.ReferencePrice.IsZero() {
		o.ReferencePrice = o.Action.PriceLimit
	}
	if o.SentAt.IsZero() {
		o.SentAt = now
	}
	o.UpdatedAt = now
	l.orders[o.ID] = &o
	l.notify(o.ID, "", types.OrderPending, types.ReasonNone, now)
	return nil
}

// ApplyAck moves a PENDING order to ACKED.
func (l *Ledger) ApplyAck(id types.CorrelationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.lookup(id, "ack")
	if err != nil {
		return err
	}
	return l.transition(o, types.OrderAcked, types.ReasonNone, "ack")
}

// ApplyReject marks an order rejected by the exchange.
func (l *Ledger) ApplyReject(id types.CorrelationID, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.lookup(id, "reject")
	if err != nil {
		return err
	}
	if err := l.transition(o, types.OrderRejected, types.ReasonExchangeReject, "reject"); err != nil {
		return err
	}
	o.Detail = detail
	return nil
}

// ApplyFill books an execution. It returns the PnL realized by this fill:
// (fillPrice - referencePrice) * cash-signed quantity. A fill is terminal.
func (l *Ledger) ApplyFill(id types.CorrelationID, price decimal.Decimal, qty int64) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.lookup(id, "fill")
	if err != nil {
		return decimal.Zero, err
	}
	if qty <= 0 {
		return decimal.Zero, fmt.Errorf("fill %s: quantity %d: %w", id, qty, ErrInvalidTransition)
	}
	if err := l.transition(o, types.OrderFilled, types.ReasonNone, "fill"); err != nil {
		return decimal.Zero, err
	}

	pnl := price.Sub(o.ReferencePrice).Mul(o.CashSignedQuantity(qty))
	o.FillPrice = price
	o.FillQuantity = qty
	o.RealizedPnL = pnl
	l.realized = l.realized.Add(pnl)
	l.fills++
	l.filled += qty
	return pnl, nil
}

// MarkSendFailed records that the order never reached the exchange.
func (l *Ledger) MarkSendFailed(id types.CorrelationID, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.lookup(id, "send failure")
	if err != nil {
		return err
	}
	if o.State != types.OrderPending {
		return fmt.Errorf("send failure %s in state %s: %w", id, o.State, ErrInvalidTransition)
	}
	if err := l.transition(o, types.OrderRejected, types.ReasonSendFailure, "send failure"); err != nil {
		return err
	}
	if cause != nil {
		o.Detail = cause.Error()
	}
	return nil
}

// Expire moves a single PENDING order to EXPIRED.
func (l *Ledger) Expire(id types.CorrelationID, reason types.Reason) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.lookup(id, "expire")
	if err != nil {
		return err
	}
	return l.transition(o, types.OrderExpired, reason, "expire")
}

// ExpirePending expires every PENDING order and returns their ids in send
// order. ACKED orders are left alone: the exchange has them.
func (l *Ledger) ExpirePending(reason types.Reason) []types.CorrelationID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pending []*types.Order
	for _, o := range l.orders {
		if o.State == types.OrderPending {
			pending = append(pending, o)
		}
	}
	slices.SortFunc(pending, func(a, b *types.Order) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	ids := make([]types.CorrelationID, 0, len(pending))
	for _, o := range pending {
		_ = l.transition(o, types.OrderExpired, reason, "expire")
		ids = append(ids, o.ID)
	}
	return ids
}

// Get returns a copy of one order.
func (l *Ledger) Get(id types.CorrelationID) (types.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[id]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Snapshot returns copies of all orders in send order.
func (l *Ledger) Snapshot() []types.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b types.Order) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

// Outstanding counts orders still awaiting a terminal confirmation.
func (l *Ledger) Outstanding() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, o := range l.orders {
		if !o.State.Terminal() {
			n++
		}
	}
	return n
}

// RealizedPnL returns the running realized PnL.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Summary aggregates the ledger.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		Orders:      len(l.orders),
		ByState:     make(map[types.OrderState]int, 5),
		Fills:       l.fills,
		FilledQty:   l.filled,
		RealizedPnL: l.realized,
	}
	for _, o := range l.orders {
		s.ByState[o.State]++
	}
	return s
}

func (l *Ledger) lookup(id types.CorrelationID, op string) (*types.Order, error) {
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrUnknownCorrelationID)
	}
	return o, nil
}

// transition applies from→to if allowed. Caller holds the write lock.
func (l *Ledger) transition(o *types.Order, to types.OrderState, reason types.Reason, op string) error {
	if !allowed(o.State, to) {
		return fmt.Errorf("%s %s: %s → %s: %w", op, o.ID, o.State, to, ErrInvalidTransition)
	}
	from := o.State
	now := l.now()
	o.State = to
	o.Reason = reason
	o.UpdatedAt = now
	l.notify(o.ID, from, to, reason, now)
	return nil
}

func (l *Ledger) notify(id types.CorrelationID, from, to types.OrderState, reason types.Reason, at time.Time) {
	if l.observer != nil {
		l.observer(Transition{ID: id, From: from, To: to, Reason: reason, At: at})
	}
}

func allowed(from, to types.OrderState) bool {
	switch from {
	case types.OrderPending:
		return to == types.OrderAcked || to == types.OrderFilled || to == types.OrderRejected || to == types.OrderExpired
	case types.OrderAcked:
		return to == types.OrderFilled || to == types.OrderRejected
	default:
		return false
	}
}

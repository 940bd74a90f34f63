// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: classified events,
// resolved actions, orders and their lifecycle states. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL. The game encodes trades as a
// signed volume, positive to buy.
func (s Side) Sign() int64 {
	if s == SELL {
		return -1
	}
	return 1
}

// OrderState is the lifecycle state of an order we sent.
type OrderState string

const (
	OrderPending  OrderState = "PENDING"  // recorded, send issued, no confirmation yet
	OrderAcked    OrderState = "ACKED"    // exchange accepted the order
	OrderFilled   OrderState = "FILLED"   // terminal: executed
	OrderRejected OrderState = "REJECTED" // terminal: exchange reject or local send failure
	OrderExpired  OrderState = "EXPIRED"  // terminal: no confirmation will ever arrive
)

// Terminal reports whether no further transitions are allowed.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Reason qualifies Rejected and Expired states.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonSendFailure    Reason = "SEND_FAILURE"    // never reached the exchange
	ReasonExchangeReject Reason = "EXCHANGE_REJECT" // exchange said no
	ReasonReconnect      Reason = "RECONNECT"       // connection replaced while pending
	ReasonShutdown       Reason = "SHUTDOWN"        // decided or pending when the loop stopped
)

// ————————————————————————————————————————————————————————————————————————
// Raw frames
// ————————————————————————————————————————————————————————————————————————

// RawMessage is one inbound frame as read off the socket.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————
// Every inbound frame is classified into exactly one of the variants below.
// Events are values and are never mutated after construction, except that the
// engine may stamp market context onto a Disclosure copy before resolving it.

// EventKind tags an Event variant.
type EventKind string

const (
	KindDisclosure  EventKind = "disclosure"
	KindMarketTick  EventKind = "market_tick"
	KindOrderAck    EventKind = "order_ack"
	KindOrderReject EventKind = "order_reject"
	KindFill        EventKind = "fill"
	KindHeartbeat   EventKind = "heartbeat"
	KindGameOver    EventKind = "game_over"
	KindUnknown     EventKind = "unknown"
)

// Event is the sealed set of classified inbound messages.
type Event interface {
	Kind() EventKind
}

// CorrelationID is the client-generated id attached to every outbound order.
type CorrelationID string

// Disclosure reveals ahead of time a fact that determines an instrument's
// value. Subject identifies the fact so it is acted on at most once. Keyed
// is true when Subject came from an explicit id in the message; otherwise it
// is derived from the payload and the engine numbers it within the round.
//
// Mark, Position and PositionLimit are not part of the message itself; the
// engine fills them from the latest market state before resolution.
type Disclosure struct {
	Subject       string
	Keyed         bool
	Truth         string
	Instrument    string
	Mark          decimal.Decimal
	Position      int64
	PositionLimit int64
}

// MarketTick is an ordinary game observation ("state" broadcast).
type MarketTick struct {
	Instrument    string
	Price         decimal.Decimal
	Position      int64
	PositionLimit int64
	PnL           decimal.Decimal
	Timestamp     time.Time
}

// OrderAck confirms the exchange accepted one of our orders.
type OrderAck struct {
	CorrelationID CorrelationID
}

// OrderReject reports that the exchange refused one of our orders.
type OrderReject struct {
	CorrelationID CorrelationID
	Reason        string
}

// Fill reports the execution of one of our orders. Quantity is unsigned.
type Fill struct {
	CorrelationID CorrelationID
	Price         decimal.Decimal
	Quantity      int64
}

// Heartbeat is any liveness-only frame.
type Heartbeat struct{}

// GameOver marks the end of a game round, with the server's own pnl figure.
type GameOver struct {
	PnL decimal.Decimal
}

// Unknown is anything the classifier could not match to a known schema.
type Unknown struct {
	Raw    []byte
	Reason string
}

func (Disclosure) Kind() EventKind  { return KindDisclosure }
func (MarketTick) Kind() EventKind  { return KindMarketTick }
func (OrderAck) Kind() EventKind    { return KindOrderAck }
func (OrderReject) Kind() EventKind { return KindOrderReject }
func (Fill) Kind() EventKind        { return KindFill }
func (Heartbeat) Kind() EventKind   { return KindHeartbeat }
func (GameOver) Kind() EventKind    { return KindGameOver }
func (Unknown) Kind() EventKind     { return KindUnknown }

// ————————————————————————————————————————————————————————————————————————
// Actions and orders
// ————————————————————————————————————————————————————————————————————————

// Action is the trading decision implied by a disclosure. PriceLimit is the
// implied fair value: the worst price we accept.
type Action struct {
	Instrument string
	Side       Side
	PriceLimit decimal.Decimal
	Quantity   int64
}

// SignedVolume returns the quantity with the game's sign convention (+buy, -sell).
func (a Action) SignedVolume() int64 {
	return a.Side.Sign() * a.Quantity
}

func (a Action) String() string {
	return fmt.Sprintf("%s %d %s @ %s", a.Side, a.Quantity, a.Instrument, a.PriceLimit)
}

// Order is an Action we sent, tracked by the ledger until a terminal state.
type Order struct {
	ID             CorrelationID
	Seq            uint64 // monotonic allocation order
	Action         Action
	State          OrderState
	Reason         Reason
	Detail         string          // free-form reject text or send error
	ReferencePrice decimal.Decimal // fair value the fill is measured against
	FillPrice      decimal.Decimal
	FillQuantity   int64
	RealizedPnL    decimal.Decimal
	SentAt         time.Time
	UpdatedAt      time.Time
}

// CashSignedQuantity returns the quantity signed by cash flow: a BUY spends
// cash (negative), a SELL receives it (positive).
func (o Order) CashSignedQuantity(qty int64) decimal.Decimal {
	return decimal.NewFromInt(-o.Action.Side.Sign() * qty)
}

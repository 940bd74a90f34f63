// Package classify turns raw game frames into typed events.
//
// Classification is pure and total: every input, including invalid JSON,
// yields exactly one types.Event, and nothing here performs I/O or keeps
// state between calls. Frames are read in place with gjson; nothing is
// unmarshalled into intermediate maps.
//
// Envelope: {"event": <kind>, "player_id": <id>, "data": {...}}. Kinds are
// matched exactly, case included.
//
//	puzzle                     → Disclosure   (data.impact or data.truth required)
//	state, tick                → MarketTick   (numeric data.price required)
//	trade_ack, order_ack       → OrderAck     (data.client_order_id required)
//	trade_reject, order_reject → OrderReject  (data.client_order_id required)
//	fill, trade_fill           → Fill         (client_order_id, price, volume|quantity)
//	end, finish                → GameOver
//	heartbeat, ping, pong, connection → Heartbeat
//	anything else              → Unknown
package classify

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tipoff/pkg/types"
)

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// Classifier maps frames onto events. DefaultInstrument is used when a frame
// does not name its instrument (the game trades a single stock).
type Classifier struct {
	DefaultInstrument string
}

// New creates a Classifier.
func New(defaultInstrument string) Classifier {
	return Classifier{DefaultInstrument: defaultInstrument}
}

// Classify never fails: anything it cannot match exactly is types.Unknown.
func (c Classifier) Classify(msg types.RawMessage) types.Event {
	if len(msg.Data) == 0 || !gjson.ValidBytes(msg.Data) {
		return unknown(msg, "invalid json")
	}
	env := gjson.ParseBytes(msg.Data)
	if !env.IsObject() {
		return unknown(msg, "envelope is not an object")
	}
	kind := env.Get("event")
	if kind.Type != gjson.String {
		return unknown(msg, "missing event")
	}
	data := env.Get("data")

	var (
		ev  types.Event
		err error
	)
	switch kind.String() {
	case "puzzle":
		ev, err = c.disclosure(data)
	case "state", "tick":
		ev, err = c.tick(data, msg)
	case "trade_ack", "order_ack":
		ev, err = ack(data)
	case "trade_reject", "order_reject":
		ev, err = reject(data)
	case "fill", "trade_fill":
		ev, err = fill(data)
	case "end", "finish":
		ev, err = gameOver(data)
	case "heartbeat", "ping", "pong", "connection":
		ev = types.Heartbeat{}
	default:
		return unknown(msg, fmt.Sprintf("unrecognized event %q", kind.String()))
	}
	if err != nil {
		return unknown(msg, fmt.Sprintf("malformed %s: %v", kind.String(), err))
	}
	return ev
}

func (c Classifier) disclosure(data gjson.Result) (types.Event, error) {
	if !data.IsObject() {
		return nil, fmt.Errorf("data is not an object")
	}

	var truth string
	if impact := data.Get("impact"); impact.Exists() {
		d, err := number(impact)
		if err != nil {
			return nil, fmt.Errorf("impact: %w", err)
		}
		truth = d.String()
	} else if t := data.Get("truth"); t.Exists() && (t.Type == gjson.String || t.Type == gjson.Number || t.IsBool()) {
		truth = strings.TrimSpace(t.String())
	}
	if truth == "" {
		return nil, fmt.Errorf("no impact or truth")
	}

	subj, keyed := subject(data)
	return types.Disclosure{
		Subject:    subj,
		Keyed:      keyed,
		Truth:      truth,
		Instrument: c.instrument(data),
	}, nil
}

// subject prefers an explicit id. Without one the compacted payload stands
// in, and keyed is false: two puzzles with equal payloads are still two facts.
func subject(data gjson.Result) (subj string, keyed bool) {
	for _, key := range []string{"id", "puzzle_id"} {
		if v := data.Get(key); v.Exists() && v.String() != "" {
			return v.String(), true
		}
	}
	return data.Get("@ugly").Raw, false
}

func (c Classifier) tick(data gjson.Result, msg types.RawMessage) (types.Event, error) {
	if !data.IsObject() {
		return nil, fmt.Errorf("data is not an object")
	}
	price, err := number(data.Get("price"))
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	tick := types.MarketTick{
		Instrument:    c.instrument(data),
		Price:         price,
		Position:      data.Get("position").Int(),
		PositionLimit: data.Get("position_limit").Int(),
		Timestamp:     msg.ReceivedAt,
	}
	if pnl := data.Get("pnl"); pnl.Exists() {
		if tick.PnL, err = number(pnl); err != nil {
			return nil, fmt.Errorf("pnl: %w", err)
		}
	}
	return tick, nil
}

func ack(data gjson.Result) (types.Event, error) {
	id, err := correlationID(data)
	if err != nil {
		return nil, err
	}
	return types.OrderAck{CorrelationID: id}, nil
}

func reject(data gjson.Result) (types.Event, error) {
	id, err := correlationID(data)
	if err != nil {
		return nil, err
	}
	reason := data.Get("reason").String()
	if reason == "" {
		reason = data.Get("message").String()
	}
	return types.OrderReject{CorrelationID: id, Reason: reason}, nil
}

func fill(data gjson.Result) (types.Event, error) {
	id, err := correlationID(data)
	if err != nil {
		return nil, err
	}
	price, err := number(data.Get("price"))
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	qty := data.Get("quantity")
	if !qty.Exists() {
		qty = data.Get("volume")
	}
	q, err := number(qty)
	if err != nil {
		return nil, fmt.Errorf("quantity: %w", err)
	}
	if !q.IsInteger() || q.IsZero() {
		return nil, fmt.Errorf("quantity must be a non-zero integer, got %s", q)
	}
	if q.Abs().GreaterThan(maxQuantity) {
		return nil, fmt.Errorf("quantity %s out of range", q)
	}
	return types.Fill{CorrelationID: id, Price: price, Quantity: q.Abs().IntPart()}, nil
}

func gameOver(data gjson.Result) (types.Event, error) {
	var over types.GameOver
	if pnl := data.Get("pnl"); pnl.Exists() {
		d, err := number(pnl)
		if err != nil {
			return nil, fmt.Errorf("pnl: %w", err)
		}
		over.PnL = d
	}
	return over, nil
}

func correlationID(data gjson.Result) (types.CorrelationID, error) {
	v := data.Get("client_order_id")
	if v.Type != gjson.String || v.String() == "" {
		return "", fmt.Errorf("missing client_order_id")
	}
	return types.CorrelationID(v.String()), nil
}

func (c Classifier) instrument(data gjson.Result) string {
	if v := data.Get("instrument"); v.Type == gjson.String && v.String() != "" {
		return v.String()
	}
	return c.DefaultInstrument
}

// number parses a JSON number exactly, keeping every digit the server sent.
func number(v gjson.Result) (decimal.Decimal, error) {
	if v.Type != gjson.Number {
		return decimal.Zero, fmt.Errorf("not a number")
	}
	return decimal.NewFromString(v.Raw)
}

func unknown(msg types.RawMessage, reason string) types.Unknown {
	return types.Unknown{Raw: msg.Data, Reason: reason}
}

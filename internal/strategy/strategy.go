// Package strategy decides what a disclosure implies.
//
// A Strategy encodes one game's "what does this fact mean for fair value"
// rule. It must be deterministic: the same Disclosure always yields the same
// Action. Strategies are selected by name at configuration time:
//
//   - impact: the disclosure carries a signed price impact (the stock will
//     move by +x / -x). Buy on positive impact, sell on negative, with the
//     price limit at the implied fair value mark+impact.
//   - binary: the disclosure reveals a yes/no outcome. Buy at the payout of
//     the true outcome, sell at the payout of the false one.
//
// Resolver wraps a Strategy with the at-most-once guarantee per subject.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tipoff/internal/config"
	"tipoff/pkg/types"
)

// ErrAmbiguous means the disclosure cannot be mapped to an action right now
// (unparseable truth, no reference price). No order is sent.
var ErrAmbiguous = errors.New("ambiguous disclosure")

// Strategy maps a disclosure to an action. ok=false with a nil error means
// the disclosure is understood but not actionable.
type Strategy interface {
	Resolve(d types.Disclosure) (action types.Action, ok bool, err error)
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(types.Disclosure) (types.Action, bool, error)

// Resolve calls f(d).
func (f StrategyFunc) Resolve(d types.Disclosure) (types.Action, bool, error) {
	return f(d)
}

// New returns the strategy named in cfg.
func New(cfg config.StrategyConfig) (Strategy, error) {
	switch cfg.Name {
	case "impact", "":
		return Impact{OrderSize: cfg.OrderSize}, nil
	case "binary":
		return Binary{
			OrderSize:  cfg.OrderSize,
			PayoutHigh: decimal.NewFromFloat(cfg.PayoutHigh),
			PayoutLow:  decimal.NewFromFloat(cfg.PayoutLow),
		}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

// headroom is how much more we may trade on side before hitting the
// position limit. A zero limit means the server has not told us one.
func headroom(side types.Side, position, limit int64) int64 {
	if limit <= 0 {
		return -1
	}
	if side == types.BUY {
		return limit - position
	}
	return limit + position
}

// clampQuantity caps size by headroom; -1 headroom means unlimited.
func clampQuantity(size int64, side types.Side, d types.Disclosure) int64 {
	room := headroom(side, d.Position, d.PositionLimit)
	if room >= 0 && size > room {
		return room
	}
	return size
}

package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tipoff/pkg/types"
)

// Impact trades the sign of a disclosed price impact.
//
//	impact > 0  →  BUY  size @ mark+impact
//	impact < 0  →  SELL size @ mark+impact
//	impact = 0  →  nothing
//
// The mark is the last market price stamped onto the disclosure. Without one
// the fair value is unknown and the disclosure is ambiguous.
type Impact struct {
	OrderSize int64
}

func (s Impact) Resolve(d types.Disclosure) (types.Action, bool, error) {
	impact, err := decimal.NewFromString(d.Truth)
	if err != nil {
		return types.Action{}, false, fmt.Errorf("%w: impact %q is not a number", ErrAmbiguous, d.Truth)
	}
	if impact.IsZero() {
		return types.Action{}, false, nil
	}
	if !d.Mark.IsPositive() {
		return types.Action{}, false, fmt.Errorf("%w: no market price for %s", ErrAmbiguous, d.Instrument)
	}

	fair := d.Mark.Add(impact)
	if !fair.IsPositive() {
		return types.Action{}, false, fmt.Errorf("%w: implied price %s is not positive", ErrAmbiguous, fair)
	}

	side := types.BUY
	if impact.IsNegative() {
		side = types.SELL
	}
	qty := clampQuantity(s.OrderSize, side, d)
	if qty <= 0 {
		return types.Action{}, false, nil
	}

	return types.Action{
		Instrument: d.Instrument,
		Side:       side,
		PriceLimit: fair,
		Quantity:   qty,
	}, true, nil
}

package strategy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tipoff/pkg/types"
)

// Binary trades a revealed yes/no outcome. A true outcome is worth
// PayoutHigh, so we buy up to that price; a false one settles at PayoutLow,
// so we sell down to it.
type Binary struct {
	OrderSize  int64
	PayoutHigh decimal.Decimal
	PayoutLow  decimal.Decimal
}

func (s Binary) Resolve(d types.Disclosure) (types.Action, bool, error) {
	var (
		side  types.Side
		price decimal.Decimal
	)
	switch strings.ToLower(strings.TrimSpace(d.Truth)) {
	case "up", "yes", "true", "1", "high", "win":
		side, price = types.BUY, s.PayoutHigh
	case "down", "no", "false", "0", "low", "lose":
		side, price = types.SELL, s.PayoutLow
	default:
		return types.Action{}, false, fmt.Errorf("%w: outcome %q", ErrAmbiguous, d.Truth)
	}

	qty := clampQuantity(s.OrderSize, side, d)
	if qty <= 0 {
		return types.Action{}, false, nil
	}
	return types.Action{
		Instrument: d.Instrument,
		Side:       side,
		PriceLimit: price,
		Quantity:   qty,
	}, true, nil
}

package strategy

import (
	"fmt"

	"tipoff/pkg/types"
)

// Resolver acts on each disclosure subject at most once. It is owned by the
// event loop and is not safe for concurrent use.
//
// A subject counts as resolved only once it has produced an action. An
// ambiguous or non-actionable disclosure leaves it open, so a repeat that
// arrives after the market has a price can still be traded.
type Resolver struct {
	strategy Strategy
	resolved map[string]types.Action
}

// NewResolver wraps s with subject deduplication.
func NewResolver(s Strategy) *Resolver {
	return &Resolver{
		strategy: s,
		resolved: make(map[string]types.Action),
	}
}

// Resolve returns (action, true, nil) the first time d's subject maps to an
// action and (zero, false, nil) for every repeat.
func (r *Resolver) Resolve(d types.Disclosure) (types.Action, bool, error) {
	if _, done := r.resolved[d.Subject]; done {
		return types.Action{}, false, nil
	}

	a, ok, err := r.strategy.Resolve(d)
	if err != nil || !ok {
		return types.Action{}, false, err
	}
	if a.Quantity <= 0 || (a.Side != types.BUY && a.Side != types.SELL) {
		return types.Action{}, false, fmt.Errorf("%w: strategy produced invalid action %s", ErrAmbiguous, a)
	}

	r.resolved[d.Subject] = a
	return a, true, nil
}

// Seen reports whether subject has already been acted on.
func (r *Resolver) Seen(subject string) bool {
	_, ok := r.resolved[subject]
	return ok
}

// Resolved returns the number of subjects acted on since the last Reset.
func (r *Resolver) Resolved() int { return len(r.resolved) }

// Reset forgets every subject. Called when a new game round starts, since
// puzzle ids are only unique within a round.
func (r *Resolver) Reset() {
	clear(r.resolved)
}

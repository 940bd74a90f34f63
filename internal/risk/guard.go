// Package risk enforces hard limits before any order leaves the process.
//
// The guard is consulted synchronously by the event loop:
//
//   - Admit, before a disclosure is resolved: refuses while the kill switch
//     is engaged or too many orders are still awaiting confirmation.
//   - Limit, after resolution: caps the order quantity.
//   - ObserveRealized, after every fill: trips the kill switch when realized
//     PnL falls below -MaxLoss.
//
// After a kill, the switch stays engaged for Cooldown; disclosures that
// arrive meanwhile are logged and left unresolved.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tipoff/internal/config"
	"tipoff/pkg/types"
)

var (
	ErrKillSwitch    = errors.New("kill switch engaged")
	ErrTooManyOrders = errors.New("too many open orders")
)

// Snapshot is the guard's state for reporting.
type Snapshot struct {
	KillSwitchActive bool
	KillSwitchUntil  time.Time
	KillSwitchReason string
}

// Guard holds the kill switch and the configured limits.
type Guard struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.Mutex
	killSwitchActive bool
	killSwitchUntil  time.Time
	killReason       string

	now func() time.Time
}

// NewGuard creates a risk guard.
func NewGuard(cfg config.RiskConfig, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
}

// Admit reports whether a new order may be considered given the number of
// orders still outstanding.
func (g *Guard) Admit(outstanding int) error {
	if g.IsKillSwitchActive() {
		return ErrKillSwitch
	}
	if g.cfg.MaxOpenOrders > 0 && outstanding >= g.cfg.MaxOpenOrders {
		return fmt.Errorf("%w: %d outstanding, max %d", ErrTooManyOrders, outstanding, g.cfg.MaxOpenOrders)
	}
	return nil
}

// Limit caps the action's quantity at MaxOrderQuantity.
func (g *Guard) Limit(a types.Action) types.Action {
	if g.cfg.MaxOrderQuantity > 0 && a.Quantity > g.cfg.MaxOrderQuantity {
		g.logger.Warn("order quantity capped",
			"requested", a.Quantity,
			"max", g.cfg.MaxOrderQuantity,
		)
		a.Quantity = g.cfg.MaxOrderQuantity
	}
	return a
}

// ObserveRealized checks realized PnL against the loss limit.
func (g *Guard) ObserveRealized(realized decimal.Decimal) {
	if g.cfg.MaxLoss <= 0 {
		return
	}
	if realized.LessThan(decimal.NewFromFloat(-g.cfg.MaxLoss)) {
		g.trip(fmt.Sprintf("realized pnl %s below -%g", realized, g.cfg.MaxLoss))
	}
}

// IsKillSwitchActive returns whether the kill switch is engaged, clearing it
// once the cooldown has passed.
func (g *Guard) IsKillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.killSwitchActive {
		return false
	}
	if g.now().After(g.killSwitchUntil) {
		g.killSwitchActive = false
		g.killReason = ""
		g.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// Snapshot returns the current kill switch state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		KillSwitchActive: g.killSwitchActive,
		KillSwitchUntil:  g.killSwitchUntil,
		KillSwitchReason: g.killReason,
	}
}

func (g *Guard) trip(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// extend, don't re-log, while already engaged
	already := g.killSwitchActive
	g.killSwitchActive = true
	g.killSwitchUntil = g.now().Add(g.cfg.Cooldown)
	g.killReason = reason
	if !already {
		g.logger.Error("KILL SWITCH",
			"reason", reason,
			"cooldown_until", g.killSwitchUntil,
		)
	}
}

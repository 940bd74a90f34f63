// Package market mirrors the game's market state.
//
// Book keeps the latest "state" broadcast per instrument: the traded price,
// our position and its limit as the server sees them, and the server's own
// PnL figure. The event loop stamps this context onto disclosures before
// resolving them, so strategies stay pure functions of their input.
//
// The Book is concurrency-safe (RWMutex protected); the loop writes and the
// reporter reads.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tipoff/pkg/types"
)

// Quote is the last observed state of one instrument.
type Quote struct {
	Price         decimal.Decimal
	Position      int64
	PositionLimit int64
	PnL           decimal.Decimal
	At            time.Time
}

// Book maintains the latest quote per instrument.
type Book struct {
	mu      sync.RWMutex
	quotes  map[string]Quote
	updated time.Time // last time any tick arrived

	now func() time.Time
}

// NewBook creates an empty market mirror.
func NewBook() *Book {
	return &Book{
		quotes: make(map[string]Quote),
		now:    time.Now,
	}
}

// Apply records a market tick. Ticks carry their arrival time; a tick
// without one is stamped now.
func (b *Book) Apply(t types.MarketTick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	at := t.Timestamp
	if at.IsZero() {
		at = b.now()
	}
	b.quotes[t.Instrument] = Quote{
		Price:         t.Price,
		Position:      t.Position,
		PositionLimit: t.PositionLimit,
		PnL:           t.PnL,
		At:            at,
	}
	b.updated = at
}

// Quote returns the last quote for instrument.
func (b *Book) Quote(instrument string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[instrument]
	return q, ok
}

// Mark returns the last price for instrument if it is no older than maxAge.
// maxAge <= 0 disables the age check.
func (b *Book) Mark(instrument string, maxAge time.Duration) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.quotes[instrument]
	if !ok || b.expired(q.At, maxAge) {
		return decimal.Zero, false
	}
	return q.Price, true
}

// Stamp copies market context onto a disclosure. A stale mark is left zero
// so the strategy sees it as unknown; position data is always copied since
// it only ever tightens the order size.
func (b *Book) Stamp(d types.Disclosure, maxAge time.Duration) types.Disclosure {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.quotes[d.Instrument]
	if !ok {
		return d
	}
	if !b.expired(q.At, maxAge) {
		d.Mark = q.Price
	}
	d.Position = q.Position
	d.PositionLimit = q.PositionLimit
	return d
}

// IsStale returns true if no tick has arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return b.now().Sub(b.updated) > maxAge
}

// LastUpdated returns the arrival time of the last tick.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Reset drops all quotes. Called when a game round ends.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.quotes)
	b.updated = time.Time{}
}

func (b *Book) expired(at time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && b.now().Sub(at) > maxAge
}

// ratelimit.go builds the outbound rate limiter.
//
// The game server disconnects clients that flood it. Every frame written by
// Conn.Send takes a token first; the bucket refills continuously so a burst
// of orders after a disclosure goes out immediately while sustained spam is
// smoothed. The wait is bounded by the caller's context (the send timeout).
package exchange

import (
	"math"

	"golang.org/x/time/rate"
)

// NewSendLimiter creates a token bucket allowing perSecond frames with the
// given burst. A non-positive rate disables limiting.
func NewSendLimiter(perSecond, burst float64) *rate.Limiter {
	b := int(math.Max(1, math.Floor(burst)))
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, b)
	}
	return rate.NewLimiter(rate.Limit(perSecond), b)
}

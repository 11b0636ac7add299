// Package backpressure decides the fate of each emission: rate limiting per
// event type, priority adjustment under lane saturation, and rejection.
package backpressure

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
)

// Default token bucket parameters for an event type.
const (
	DefaultRate     = 10.0 // tokens per second
	DefaultCapacity = 10.0 // burst
)

// unitsPerToken expresses costs in half tokens so that the fractional
// priority costs map onto the integer units of rate.Limiter.
const unitsPerToken = 2

// tokenCost returns the cost of one emission in half-token units:
// high 0.5, normal 1.0, low 1.5 tokens.
func tokenCost(p event.Priority) int {
	switch p {
	case event.PriorityHigh:
		return 1
	case event.PriorityLow:
		return 3
	default:
		return 2
	}
}

// TokenCost returns the cost in tokens of one emission at priority p.
func TokenCost(p event.Priority) float64 {
	return float64(tokenCost(p)) / unitsPerToken
}

// RateLimiter is a token bucket for one event type. Tokens refill
// continuously in wall-clock time; lower priorities cost more tokens.
// It is safe for concurrent use.
type RateLimiter struct {
	limiter  *rate.Limiter
	rate     float64
	capacity float64

	mu         sync.Mutex
	lastRefill time.Time
	consumed   float64
}

// LimiterState is a point-in-time view of a RateLimiter.
type LimiterState struct {
	Rate       float64   `json:"rate"`
	Capacity   float64   `json:"capacity"`
	Tokens     float64   `json:"current_tokens"`
	Consumed   float64   `json:"consumed_tokens"`
	LastRefill time.Time `json:"last_refill_time"`
}

// NewRateLimiter creates a full bucket refilling at ratePerSec up to capacity.
func NewRateLimiter(ratePerSec, capacity float64) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = DefaultRate
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	burst := int(math.Round(capacity * unitsPerToken))
	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec*unitsPerToken), burst),
		rate:       ratePerSec,
		capacity:   capacity,
		lastRefill: time.Now(),
	}
}

// TryAcquire consumes the tokens for one emission at priority p.
// It returns false without consuming anything when not enough tokens remain.
func (r *RateLimiter) TryAcquire(p event.Priority) bool {
	return r.TryAcquireAt(time.Now(), p)
}

// TryAcquireAt is TryAcquire evaluated at time now.
func (r *RateLimiter) TryAcquireAt(now time.Time, p event.Priority) bool {
	cost := tokenCost(p)
	ok := r.limiter.AllowN(now, cost)

	r.mu.Lock()
	r.lastRefill = now
	if ok {
		r.consumed += float64(cost) / unitsPerToken
	}
	r.mu.Unlock()

	return ok
}

// Tokens returns the tokens currently available.
func (r *RateLimiter) Tokens() float64 {
	return r.TokensAt(time.Now())
}

// TokensAt returns the tokens available at time t.
func (r *RateLimiter) TokensAt(t time.Time) float64 {
	return r.limiter.TokensAt(t) / unitsPerToken
}

// State returns the limiter's configuration and current token count.
func (r *RateLimiter) State() LimiterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LimiterState{
		Rate:       r.rate,
		Capacity:   r.capacity,
		Tokens:     r.Tokens(),
		Consumed:   r.consumed,
		LastRefill: r.lastRefill,
	}
}

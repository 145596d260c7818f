package escrow

import (
	"math/big"
	"sync/atomic"
	"time"
)

// NonceSource hands out Permit2 nonces. Implementations must never return the
// same value twice for one signer.
type NonceSource interface {
	Next() *big.Int
}

// ClockNonces derives nonces from the wall clock in milliseconds and bumps
// past the previous value when two calls land in the same millisecond (or the
// clock steps back), so values are strictly increasing for the process.
type ClockNonces struct {
	last atomic.Int64
	now  func() time.Time
}

func NewClockNonces(now func() time.Time) *ClockNonces {
	if now == nil {
		now = time.Now
	}
	return &ClockNonces{now: now}
}

func (c *ClockNonces) Next() *big.Int {
	for {
		prev := c.last.Load()
		next := c.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return big.NewInt(next)
		}
	}
}

package escrow

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Update is one observation delivered by WatchContract. Err is set when the
// snapshot could not be read; polling continues.
type Update struct {
	Instance *Instance
	Err      error
}

// WatchContract polls contract every interval and calls fn with the first
// snapshot and then whenever status or stakeStart change, or a read fails.
// It returns nil after delivering a terminal status, or ctx.Err() once ctx
// ends. fn is not called once WatchContract has observed ctx is done; a
// cancellation racing with a call in progress is seen on the next check.
func (c *Client) WatchContract(ctx context.Context, contract common.Address, interval time.Duration, fn func(Update)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Instance
	for {
		inst, err := c.agg.Snapshot(ctx, contract)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err != nil:
			if !deliver(ctx, fn, Update{Err: err}) {
				return ctx.Err()
			}
		case last == nil || changed(last, inst):
			last = inst
			if !deliver(ctx, fn, Update{Instance: inst}) {
				return ctx.Err()
			}
			if inst.Status.Terminal() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func deliver(ctx context.Context, fn func(Update), u Update) bool {
	if ctx.Err() != nil {
		return false
	}
	fn(u)
	return ctx.Err() == nil
}

func changed(prev, next *Instance) bool {
	return prev.Status != next.Status || !prev.StakeStart.Equal(next.StakeStart)
}

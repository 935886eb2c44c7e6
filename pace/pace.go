// Package pace schedules periodic work.
//
// A Pacer re-arms relative to the moment its caller is done, so a slow run
// delays every following run instead of being made up for with a burst.
// A Throttle limits an event rate on average and is meant for load
// generators.
package pace

import (
	"context"
	"time"
)

// Pacer waits one interval at a time. Not safe for concurrent use.
type Pacer struct {
	interval time.Duration
	timer    *time.Timer
}

// New returns a pacer for interval. If interval <= 0 pacing is disabled
// and Wait only checks for cancellation.
func New(interval time.Duration) *Pacer {
	if interval <= 0 {
		return nil
	}
	t := time.NewTimer(interval)
	t.Stop()
	return &Pacer{interval: interval, timer: t}
}

// Interval returns the configured interval, 0 if pacing is disabled.
func (p *Pacer) Interval() time.Duration {
	if p == nil {
		return 0
	}
	return p.interval
}

// Wait blocks for one interval counted from now or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	p.timer.Reset(p.interval)
	select {
	case <-ctx.Done():
		p.timer.Stop()
		return ctx.Err()
	case <-p.timer.C:
		return nil
	}
}

// Run waits an interval and then calls fn, until ctx is done. fn is never
// called after Run returned and never concurrently with itself.
func (p *Pacer) Run(ctx context.Context, fn func()) error {
	for {
		if err := p.Wait(ctx); err != nil {
			return err
		}
		fn()
	}
}

package pace

import "time"

// Throttle limits events to a rate per second on average.
// Not safe for concurrent use.
type Throttle struct {
	perEvent   time.Duration
	events     uint64
	start      time.Time
	checkEvery uint64
}

// NewThrottle returns a throttle for rate events per second.
// If rate == 0 throttling is disabled.
func NewThrottle(rate uint64) *Throttle {
	if rate == 0 {
		return nil
	}
	return &Throttle{
		perEvent: time.Second / time.Duration(rate),
		start:    time.Now(),
		// Look at the clock about every 10ms worth of events,
		// at least every 32 and at most every 1024 events.
		checkEvery: min(max(rate/100, 32), 1024),
	}
}

// Add accounts for n events and blocks while they are ahead of schedule.
func (l *Throttle) Add(n uint64) {
	if l == nil || n == 0 {
		return
	}
	before := l.events / l.checkEvery
	l.events += n
	if l.events/l.checkEvery == before {
		return
	}
	due := l.start.Add(time.Duration(l.events) * l.perEvent)
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
}

// Package idle provides a bounded backoff for poll loops that found no work.
package idle

import (
	"runtime"
	"time"
)

const (
	DefaultSpinLimit = 1024
	minSleep         = time.Microsecond
)

// Backoff decides what a poll loop does when it finds nothing to consume.
// A nil *Backoff is valid and busy-polls (Idle returns immediately).
// Not safe for concurrent use.
type Backoff struct {
	spinLimit uint32
	maxSleep  time.Duration

	spins uint32
	sleep time.Duration
}

// New creates a backoff that spins spinLimit idle rounds, yielding the
// processor every 64 rounds, and then sleeps with a duration doubling from
// 1µs up to maxSleep.
// If maxSleep == 0, idling is disabled and New returns nil (busy poll).
func New(spinLimit uint32, maxSleep time.Duration) *Backoff {
	if maxSleep <= 0 {
		return nil
	}
	return &Backoff{
		spinLimit: spinLimit,
		maxSleep:  max(maxSleep, minSleep),
	}
}

// Idle is called once per empty poll round.
func (b *Backoff) Idle() {
	if b == nil {
		return
	}

	if b.spins < b.spinLimit {
		b.spins++
		if b.spins&0x3F == 0 {
			runtime.Gosched()
		}
		return // Fast path: keep spinning.
	}

	if b.sleep == 0 {
		b.sleep = minSleep
	} else {
		b.sleep = min(b.sleep*2, b.maxSleep)
	}
	time.Sleep(b.sleep)
}

// Reset is called whenever the loop made progress.
func (b *Backoff) Reset() {
	if b == nil {
		return
	}
	b.spins = 0
	b.sleep = 0
}

// Saturated reports whether the sleep duration reached its cap.
// A loop may then block on an event source for CurrentSleep instead.
func (b *Backoff) Saturated() bool {
	return b != nil && b.sleep >= b.maxSleep
}

// CurrentSleep returns the sleep duration of the last Idle call,
// 0 while still spinning.
func (b *Backoff) CurrentSleep() time.Duration {
	if b == nil {
		return 0
	}
	return b.sleep
}

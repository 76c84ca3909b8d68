package exam

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDuration is the countdown length when nothing else is configured.
const DefaultDuration = 60 * time.Minute

// TickInterval is the countdown resolution.
const TickInterval = time.Second

// CountdownState is a snapshot of the countdown.
type CountdownState struct {
	Minutes int    `json:"minutes"`
	Seconds int    `json:"seconds"`
	Running bool   `json:"running"`
	Expired bool   `json:"expired"`
	Display string `json:"display"`
}

// Remaining converts the snapshot to a duration.
func (s CountdownState) Remaining() time.Duration {
	return time.Duration(s.Minutes)*time.Minute + time.Duration(s.Seconds)*time.Second
}

// Countdown is a minutes:seconds clock that counts down one second per Tick.
// It is safe for concurrent use.
type Countdown struct {
	mu      sync.Mutex
	minutes int
	seconds int
	running bool
	expired bool

	initialMinutes int
	initialSeconds int
}

// NewCountdown returns a running countdown.
func NewCountdown(minutes, seconds int) *Countdown {
	return &Countdown{
		minutes:        minutes,
		seconds:        seconds,
		running:        true,
		initialMinutes: minutes,
		initialSeconds: seconds,
	}
}

// NewCountdownRemaining builds a countdown from a duration, rounded down to the second.
// A non-positive duration yields an already expired countdown.
func NewCountdownRemaining(d time.Duration) *Countdown {
	if d <= 0 {
		cd := NewCountdown(0, 0)
		cd.running = false
		cd.expired = true
		return cd
	}
	total := int(d / time.Second)
	return NewCountdown(total/60, total%60)
}

// Tick advances the clock by one second. Reaching 0:00 does not expire the countdown;
// the tick after it does, and stops it.
func (c *Countdown) Tick() CountdownState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.expired {
		return c.stateLocked()
	}

	switch {
	case c.seconds > 0:
		c.seconds--
	case c.minutes > 0:
		c.minutes--
		c.seconds = 59
	default:
		c.expired = true
		c.running = false
	}
	return c.stateLocked()
}

// Pause stops ticking without touching the remaining time.
func (c *Countdown) Pause() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Resume restarts ticking. An expired countdown stays stopped.
func (c *Countdown) Resume() {
	c.mu.Lock()
	if !c.expired {
		c.running = true
	}
	c.mu.Unlock()
}

// Reset sets the remaining time and clears the expired flag. Running is left as is.
// Negative arguments restore the initial duration.
func (c *Countdown) Reset(minutes, seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if minutes < 0 || seconds < 0 {
		minutes, seconds = c.initialMinutes, c.initialSeconds
	}
	c.minutes = minutes
	c.seconds = seconds
	c.expired = false
}

// State returns the current snapshot.
func (c *Countdown) State() CountdownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Display renders the remaining time as m:ss.
func (c *Countdown) Display() string {
	return c.State().Display
}

func (c *Countdown) stateLocked() CountdownState {
	return CountdownState{
		Minutes: c.minutes,
		Seconds: c.seconds,
		Running: c.running,
		Expired: c.expired,
		Display: fmt.Sprintf("%d:%02d", c.minutes, c.seconds),
	}
}

// Runner drives a Countdown from a ticker.
type Runner struct {
	countdown *Countdown
	interval  time.Duration
}

// NewRunner ticks cd once per interval. A zero interval uses TickInterval.
func NewRunner(cd *Countdown, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = TickInterval
	}
	return &Runner{countdown: cd, interval: interval}
}

// Countdown exposes the driven clock for pause and resume.
func (r *Runner) Countdown() *Countdown {
	return r.countdown
}

// Run blocks until the countdown expires or ctx is done. onTick sees every state change
// while running; onExpire is called once, after the final tick. Either callback may be nil.
func (r *Runner) Run(ctx context.Context, onTick func(CountdownState), onExpire func()) {
	if r.countdown.State().Expired {
		if onExpire != nil {
			onExpire()
		}
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := r.countdown.State()
			if !before.Running {
				continue
			}
			st := r.countdown.Tick()
			if onTick != nil {
				onTick(st)
			}
			if st.Expired {
				if onExpire != nil {
					onExpire()
				}
				return
			}
		}
	}
}

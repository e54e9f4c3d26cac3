package automaton

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimerID names one of the automaton's timers.
type TimerID int

const (
	TimerPolling TimerID = iota
	TimerPDNRetry
	TimerNetworkStatus
	TimerRegisterRetry
	TimerFota
	timerCount
)

func (t TimerID) String() string {
	switch t {
	case TimerPolling:
		return "polling"
	case TimerPDNRetry:
		return "pdn-retry"
	case TimerNetworkStatus:
		return "network-status"
	case TimerRegisterRetry:
		return "register-retry"
	case TimerFota:
		return "fota"
	default:
		return "unknown"
	}
}

// TimerBank owns one timer per TimerID. Starting a timer replaces the pending
// one with the same ID; a replaced or stopped timer never calls back. Every
// Start and Stop bumps the timer's generation, which is handed to the
// callback so expiries already in flight can be told apart.
type TimerBank struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers [timerCount]clockwork.Timer
	gen    [timerCount]uint64
}

func NewTimerBank(clock clockwork.Clock) *TimerBank {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimerBank{clock: clock}
}

// Start arms a one-shot timer.
func (b *TimerBank) Start(id TimerID, d time.Duration, fire func(TimerID, uint64)) {
	b.start(id, d, false, fire)
}

// StartPeriodic arms a timer that fires every d until stopped.
func (b *TimerBank) StartPeriodic(id TimerID, d time.Duration, fire func(TimerID, uint64)) {
	b.start(id, d, true, fire)
}

func (b *TimerBank) start(id TimerID, d time.Duration, periodic bool, fire func(TimerID, uint64)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked(id)
	b.arm(id, d, periodic, fire, b.gen[id])
}

// arm must be called with mu held.
func (b *TimerBank) arm(id TimerID, d time.Duration, periodic bool, fire func(TimerID, uint64), gen uint64) {
	b.timers[id] = b.clock.AfterFunc(d, func() {
		b.mu.Lock()
		if b.gen[id] != gen {
			b.mu.Unlock()
			return
		}
		if periodic {
			b.arm(id, d, periodic, fire, gen)
		} else {
			b.timers[id] = nil
		}
		b.mu.Unlock()

		fire(id, gen)
	})
}

// Stop cancels the timer. Stopping an idle timer is a no-op.
func (b *TimerBank) Stop(id TimerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked(id)
}

func (b *TimerBank) stopLocked(id TimerID) {
	b.gen[id]++
	if b.timers[id] != nil {
		b.timers[id].Stop()
		b.timers[id] = nil
	}
}

// StopAll cancels every timer.
func (b *TimerBank) StopAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := TimerID(0); id < timerCount; id++ {
		b.stopLocked(id)
	}
}

// Current reports whether gen is the generation of the timer's latest start
// and the timer has not been stopped since.
func (b *TimerBank) Current(id TimerID, gen uint64) bool {
	return b.generation(id) == gen
}

func (b *TimerBank) generation(id TimerID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen[id]
}

// Active reports whether the timer is armed.
func (b *TimerBank) Active(id TimerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timers[id] != nil
}

package automaton

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerBankOneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bank := NewTimerBank(clock)

	var fired atomic.Int32
	bank.Start(TimerPDNRetry, 30*time.Second, func(id TimerID, _ uint64) {
		assert.Equal(t, TimerPDNRetry, id)
		fired.Add(1)
	})
	assert.True(t, bank.Active(TimerPDNRetry))

	clock.Advance(29 * time.Second)
	assert.Never(t, func() bool { return fired.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, bank.Active(TimerPDNRetry))

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return fired.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTimerBankStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bank := NewTimerBank(clock)

	var fired atomic.Int32
	bank.Start(TimerNetworkStatus, time.Second, func(TimerID, uint64) { fired.Add(1) })
	bank.Stop(TimerNetworkStatus)
	assert.False(t, bank.Active(TimerNetworkStatus))

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return fired.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// stopping an idle timer is fine
	bank.Stop(TimerNetworkStatus)
}

func TestTimerBankRestartReplacesPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bank := NewTimerBank(clock)

	var first, second atomic.Int32
	bank.Start(TimerRegisterRetry, time.Second, func(TimerID, uint64) { first.Add(1) })
	bank.Start(TimerRegisterRetry, 2*time.Second, func(TimerID, uint64) { second.Add(1) })

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestTimerBankPeriodic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bank := NewTimerBank(clock)

	var ticks atomic.Int32
	bank.StartPeriodic(TimerPolling, 5*time.Second, func(TimerID, uint64) { ticks.Add(1) })

	for i := int32(1); i <= 3; i++ {
		clock.Advance(5 * time.Second)
		// the next period is armed before the callback runs
		require.Eventually(t, func() bool { return ticks.Load() == i }, time.Second, 5*time.Millisecond)
	}

	bank.StopAll()
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return ticks.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTimerBankGenerations(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bank := NewTimerBank(clock)

	fired := make(chan uint64, 4)
	bank.Start(TimerPDNRetry, time.Second, func(_ TimerID, gen uint64) { fired <- gen })
	clock.Advance(time.Second)

	var gen uint64
	select {
	case gen = <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, bank.Current(TimerPDNRetry, gen), "a fired one-shot stays current")

	bank.Stop(TimerPDNRetry)
	assert.False(t, bank.Current(TimerPDNRetry, gen))

	bank.Start(TimerPDNRetry, time.Second, func(TimerID, uint64) {})
	assert.False(t, bank.Current(TimerPDNRetry, gen))
	assert.True(t, bank.Current(TimerPDNRetry, bank.generation(TimerPDNRetry)))
	assert.True(t, bank.Current(TimerFota, 0), "other timers are untouched")
}

package lib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimersGenerations(t *testing.T) {
	h := Handle{index: 3, gen: 1}
	timers := NewTimers(h, nil, nil)

	timers.Start(TimerRetransmission, time.Second)
	assert.True(t, timers.Armed(TimerRetransmission))
	stale := timers.current(TimerRetransmission)

	timers.Start(TimerRetransmission, time.Second)
	assert.False(t, timers.Valid(stale))

	live := timers.current(TimerRetransmission)
	assert.True(t, timers.Valid(live))
	assert.False(t, timers.Armed(TimerRetransmission))
	// an expiry is consumed once
	assert.False(t, timers.Valid(live))
}

func TestTimersStop(t *testing.T) {
	timers := NewTimers(Handle{index: 0, gen: 1}, nil, nil)
	timers.Start(TimerTimeWait, time.Second)
	ev := timers.current(TimerTimeWait)
	timers.Stop(TimerTimeWait)
	assert.False(t, timers.Valid(ev))

	timers.Start(TimerUser, time.Second)
	timers.Start(TimerRetransmission, time.Second)
	timers.StopAll()
	for kind := TimerKind(0); kind < timerKinds; kind++ {
		assert.False(t, timers.Armed(kind), kind.String())
	}
}

func TestTimersRejectForeignEvents(t *testing.T) {
	timers := NewTimers(Handle{index: 1, gen: 1}, nil, nil)
	timers.Start(TimerUser, time.Second)
	ev := timers.current(TimerUser)

	other := ev
	other.Handle = Handle{index: 1, gen: 2}
	assert.False(t, timers.Valid(other))

	bogus := ev
	bogus.Kind = timerKinds
	assert.False(t, timers.Valid(bogus))

	assert.True(t, timers.Valid(ev))
}

func TestTimersPostEvents(t *testing.T) {
	events := make(chan TimerEvent, 1)
	done := make(chan struct{})
	defer close(done)
	h := Handle{index: 7, gen: 2}
	timers := NewTimers(h, events, done)

	timers.Start(TimerRetransmission, time.Millisecond)
	select {
	case ev := <-events:
		assert.Equal(t, h, ev.Handle)
		assert.Equal(t, TimerRetransmission, ev.Kind)
		assert.True(t, timers.Valid(ev))
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerKindString(t *testing.T) {
	assert.Equal(t, "retransmission", TimerRetransmission.String())
	assert.Equal(t, "time-wait", TimerTimeWait.String())
	assert.Equal(t, "user", TimerUser.String())
	assert.Equal(t, "unknown", timerKinds.String())
}

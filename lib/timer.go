package lib

import (
	"time"
)

// TimerKind names one of the three per-connection timers.
type TimerKind uint8

const (
	TimerRetransmission TimerKind = iota
	TimerTimeWait                 // 2MSL, and the FIN-WAIT-2 timeout
	TimerUser                     // inactivity abort
	timerKinds
)

func (k TimerKind) String() string {
	switch k {
	case TimerRetransmission:
		return "retransmission"
	case TimerTimeWait:
		return "time-wait"
	case TimerUser:
		return "user"
	}
	return "unknown"
}

// TimerEvent is posted on the core's queue when a timer fires.
type TimerEvent struct {
	Handle     Handle
	Kind       TimerKind
	Generation uint64
}

type timerSlot struct {
	timer *time.Timer
	gen   uint64
	armed bool
}

// Timers drives the timers of one connection. Expiry never touches the
// connection: it only posts a TimerEvent, which the core validates with
// Valid before acting on it. Timers is guarded by the connection lock.
type Timers struct {
	handle Handle
	events chan<- TimerEvent
	done   <-chan struct{}
	slots  [timerKinds]timerSlot
}

// NewTimers creates the timers of the connection stored at handle. Events are
// dropped once done is closed.
func NewTimers(handle Handle, events chan<- TimerEvent, done <-chan struct{}) *Timers {
	return &Timers{handle: handle, events: events, done: done}
}

// Start arms kind to fire after d, replacing any pending expiry.
func (t *Timers) Start(kind TimerKind, d time.Duration) {
	slot := &t.slots[kind]
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.gen++
	slot.armed = true
	if t.events == nil {
		return
	}
	ev := TimerEvent{Handle: t.handle, Kind: kind, Generation: slot.gen}
	events, done := t.events, t.done
	slot.timer = time.AfterFunc(d, func() {
		select {
		case events <- ev:
		case <-done:
		}
	})
}

// Stop disarms kind. A pending event for it becomes stale.
func (t *Timers) Stop(kind TimerKind) {
	slot := &t.slots[kind]
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
	slot.armed = false
}

// Armed reports whether kind is running.
func (t *Timers) Armed(kind TimerKind) bool {
	return t.slots[kind].armed
}

// Valid reports whether ev is the live expiry of its timer and, if so,
// marks the timer as no longer running.
func (t *Timers) Valid(ev TimerEvent) bool {
	if ev.Kind >= timerKinds || ev.Handle != t.handle {
		return false
	}
	slot := &t.slots[ev.Kind]
	if !slot.armed || slot.gen != ev.Generation {
		return false
	}
	slot.armed = false
	slot.timer = nil
	return true
}

// StopAll disarms every timer.
func (t *Timers) StopAll() {
	for kind := TimerKind(0); kind < timerKinds; kind++ {
		t.Stop(kind)
	}
}

// current returns the event the running timer of kind would post.
func (t *Timers) current(kind TimerKind) TimerEvent {
	return TimerEvent{Handle: t.handle, Kind: kind, Generation: t.slots[kind].gen}
}

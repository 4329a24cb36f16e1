// Package watchdog re-engages a user who goes silent during an open
// incident. A countdown is anchored at the last activity; on expiry the
// elapsed time is re-validated before anything fires, so suspended timers or
// bursts of activity can only delay the nudge, never cause a premature one.
// The nudge is sent at most once per conversation, guarded by a durable flag.
package watchdog

import (
	"sync"
	"time"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/logger"
)

// FlagInactivityFollowUp is the durable flag recording that the nudge was
// already sent for a conversation.
const FlagInactivityFollowUp = "inactivityFollowUpSent"

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time and delayed execution so tests can drive a
// virtual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall-clock implementation used outside tests.
func SystemClock() Clock { return realClock{} }

// FlagStore is the durable per-conversation boolean store.
type FlagStore interface {
	SetFlag(name, conversationID string, value bool) error
	Flag(name, conversationID string) (bool, error)
}

// Watchdog owns at most one armed countdown at a time. Safe for concurrent
// use; the fire path runs on the clock's timer goroutine.
type Watchdog struct {
	clock  Clock
	window time.Duration
	flags  FlagStore
	nudge  func(conversationID string) error

	mu             sync.Mutex
	conversationID string
	armed          bool
	timer          Timer
	generation     uint64
	lastActivity   time.Time
	sending        bool
}

// New creates a watchdog. nudge appends the single re-engagement message for
// a conversation and is called without the internal lock held.
func New(clock Clock, window time.Duration, flags FlagStore, nudge func(conversationID string) error) *Watchdog {
	return &Watchdog{clock: clock, window: window, flags: flags, nudge: nudge}
}

// Arm starts (or restarts) the countdown for a conversation. Re-arming
// restarts the window; timers never stack.
func (w *Watchdog) Arm(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.conversationID = conversationID
	w.armed = true
	w.lastActivity = w.clock.Now()
	w.generation++
	w.scheduleLocked(w.window, w.generation)
}

// Activity moves the inactivity anchor. It does not cancel the pending
// timer; the fire-time recheck postpones firing instead.
func (w *Watchdog) Activity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed {
		w.lastActivity = w.clock.Now()
	}
}

// Disarm cancels the countdown, if any.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Armed reports whether a countdown is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Remaining returns the time left before the nudge can fire. Zero when
// disarmed. Used only to drive a countdown display.
func (w *Watchdog) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return 0
	}
	left := w.window - w.clock.Now().Sub(w.lastActivity)
	if left < 0 {
		return 0
	}
	return left
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.armed = false
	w.generation++
}

func (w *Watchdog) scheduleLocked(d time.Duration, gen uint64) {
	w.timer = w.clock.AfterFunc(d, func() { w.fire(gen) })
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if !w.armed || gen != w.generation {
		w.mu.Unlock()
		return
	}
	elapsed := w.clock.Now().Sub(w.lastActivity)
	if elapsed < w.window {
		// Activity happened since scheduling; wait out the remainder.
		w.scheduleLocked(w.window-elapsed, gen)
		w.mu.Unlock()
		return
	}
	if w.sending {
		w.mu.Unlock()
		return
	}
	convID := w.conversationID
	w.sending = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.sending = false
		if gen == w.generation {
			w.stopLocked()
		}
		w.mu.Unlock()
	}()

	sent, err := w.flags.Flag(FlagInactivityFollowUp, convID)
	if err != nil {
		logger.L.Error("watchdog flag read failed", "conversation", convID, "error", err)
		return
	}
	if sent {
		return
	}
	if err := w.nudge(convID); err != nil {
		logger.L.Error("watchdog nudge failed", "conversation", convID, "error", err)
		return
	}
	if err := w.flags.SetFlag(FlagInactivityFollowUp, convID, true); err != nil {
		logger.L.Error("watchdog flag write failed", "conversation", convID, "error", err)
	}
	logger.L.Info("inactivity nudge sent", "conversation", convID)
}

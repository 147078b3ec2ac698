package session

import (
	"sync"
	"time"
)

// timerSet owns the three expiry-related one-shot timers: scheduled refresh,
// expiry warning, and forced expiry. They are always cancelled and re-armed
// together; cancel-before-arm is mandatory so a timer armed against a
// superseded token pair can never fire.
type timerSet struct {
	lock    sync.Mutex
	gen     uint64
	refresh *time.Timer
	warning *time.Timer
	expiry  *time.Timer
}

// arm cancels any previous timers and schedules the three callbacks.
// Callbacks armed by an earlier generation are suppressed even if they were
// already in flight when cancelAll ran.
func (t *timerSet) arm(refreshAfter, warningAfter, expiryAfter time.Duration, onRefresh, onWarning, onExpiry func()) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.cancelLocked()
	t.gen++
	gen := t.gen

	t.refresh = time.AfterFunc(refreshAfter, t.guarded(gen, onRefresh))
	t.warning = time.AfterFunc(warningAfter, t.guarded(gen, onWarning))
	t.expiry = time.AfterFunc(expiryAfter, t.guarded(gen, onExpiry))
}

// cancelAll stops all three timers. Safe to call repeatedly.
func (t *timerSet) cancelAll() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.cancelLocked()
	t.gen++
}

func (t *timerSet) cancelLocked() {
	if t.refresh != nil {
		t.refresh.Stop()
		t.refresh = nil
	}
	if t.warning != nil {
		t.warning.Stop()
		t.warning = nil
	}
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
}

func (t *timerSet) guarded(gen uint64, fn func()) func() {
	return func() {
		t.lock.Lock()
		stale := gen != t.gen
		t.lock.Unlock()
		if stale {
			return
		}
		fn()
	}
}

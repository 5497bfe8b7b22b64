package session

import "time"

// inactivityTimer is the single-shot timer of one session. It is guarded by the
// session mutex. Every cancel or reschedule bumps the generation so a callback
// that lost the race with a newer schedule is ignored.
type inactivityTimer struct {
	session   *ManagedSession
	timer     *time.Timer
	gen       uint64
	destroyed bool
}

// schedule arms the timer. A negative delay only cancels it.
func (t *inactivityTimer) schedule(d time.Duration) {
	if t.destroyed {
		return
	}
	t.cancel()
	if d < 0 {
		return
	}
	gen := t.gen
	s := t.session
	t.timer = time.AfterFunc(d, func() { s.onTimer(gen) })
}

func (t *inactivityTimer) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// destroy cancels the timer for good. Used once the session leaves the cache.
func (t *inactivityTimer) destroy() {
	t.cancel()
	t.destroyed = true
}

func (t *inactivityTimer) current(gen uint64) bool {
	return !t.destroyed && t.timer != nil && t.gen == gen
}

func (t *inactivityTimer) fired() {
	t.timer = nil
}

// idleSince reports whether nothing touched the timer since the given generation fired.
func (t *inactivityTimer) idleSince(gen uint64) bool {
	return !t.destroyed && t.timer == nil && t.gen == gen
}

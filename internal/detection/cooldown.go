package detection

import (
	"sync"
	"time"

	"hazardwatch/internal/risk"
)

type cooldownKey struct {
	cameraID string
	category risk.Category
}

// Tracker suppresses repeated alerts of one category on one camera within
// a window. Entries are overwritten and only removed when an acceptance is
// reverted.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	last   map[cooldownKey]time.Time
	now    func() time.Time
}

// NewTracker creates a tracker. now defaults to time.Now.
func NewTracker(window time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		window: window,
		last:   make(map[cooldownKey]time.Time),
		now:    now,
	}
}

// reservation records what an accepted Allow replaced so it can be undone.
type reservation struct {
	key  cooldownKey
	at   time.Time
	prev time.Time
	had  bool
}

// Allow reports whether an alert may be accepted now and, if so, records it.
// The check and the update happen atomically.
func (t *Tracker) Allow(cameraID string, category risk.Category) bool {
	_, ok := t.reserve(cameraID, category)
	return ok
}

func (t *Tracker) reserve(cameraID string, category risk.Category) (*reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := cooldownKey{cameraID: cameraID, category: category}
	now := t.now()
	last, had := t.last[key]
	if had && now.Sub(last) < t.window {
		return nil, false
	}
	t.last[key] = now
	return &reservation{key: key, at: now, prev: last, had: had}, true
}

// cancel restores the entry r replaced, unless a later acceptance has
// already overwritten it.
func (t *Tracker) cancel(r *reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.last[r.key]; !ok || !cur.Equal(r.at) {
		return
	}
	if r.had {
		t.last[r.key] = r.prev
	} else {
		delete(t.last, r.key)
	}
}

// Window returns the configured cooldown window.
func (t *Tracker) Window() time.Duration { return t.window }

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

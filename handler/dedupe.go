package handler

import (
	"sync"
	"time"
)

// deduper remembers accepted message ids for a window so redelivered
// webhooks are not buffered twice.
type deduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// claim records id and reports whether it was not already seen within the window.
func (d *deduper) claim(id string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gcLocked(now)
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = now
	return true
}

// release forgets id, used when a claimed delivery was rejected.
func (d *deduper) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

func (d *deduper) gcLocked(now time.Time) {
	cut := now.Add(-d.window)
	for k, v := range d.seen {
		if v.Before(cut) {
			delete(d.seen, k)
		}
	}
}

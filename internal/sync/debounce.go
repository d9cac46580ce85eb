package sync

import (
	"sync"
	"time"
)

// Debouncer delays a task per key and restarts the delay when the same key
// arrives again. The webhook intake uses it to collapse rapid re-triggers of
// one change request (push storms, synchronize bursts) into a single review.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	ttl     time.Duration
}

// NewDebouncer creates a new Debouncer with specific TTL
func NewDebouncer(ttl time.Duration) *Debouncer {
	return &Debouncer{
		pending: make(map[string]*time.Timer),
		ttl:     ttl,
	}
}

// Add schedules fn to run after the debounce window. Calling Add again with
// the same key before the window elapses replaces the scheduled fn and
// restarts the window.
func (d *Debouncer) Add(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.pending[key]; ok {
		timer.Stop()
	}

	d.pending[key] = time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()

		fn()
	})
}

// Cancel stops a pending task for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.pending[key]; ok {
		timer.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels every pending task. Tasks already running are not
// interrupted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, timer := range d.pending {
		timer.Stop()
		delete(d.pending, key)
	}
}

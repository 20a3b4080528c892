package reliability

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultWindow is used when a P-Mode enables duplicate detection without
// naming a window
const DefaultWindow = 24 * time.Hour

// ErrDetectorClosed is returned by a detector after Close
var ErrDetectorClosed = errors.New("duplicate detector closed")

// DuplicateDetector remembers received message IDs for a time window.
// SeenBefore records messageID and reports whether it was already recorded
// within window; the check and the record are atomic. Forget drops a
// record so a message that could not be delivered is accepted again.
type DuplicateDetector interface {
	SeenBefore(ctx context.Context, messageID string, window time.Duration) (bool, error)
	Forget(ctx context.Context, messageID string) error
	Close() error
}

// MemoryDetector keeps received message IDs in process memory. A janitor
// goroutine drops expired entries.
type MemoryDetector struct {
	mu       sync.Mutex
	received map[string]time.Time
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
}

// NewMemoryDetector creates a detector whose janitor runs every sweep.
// A non-positive sweep disables the janitor.
func NewMemoryDetector(sweep time.Duration) *MemoryDetector {
	d := &MemoryDetector{
		received: make(map[string]time.Time),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if sweep > 0 {
		go d.cleanup(sweep)
	}
	return d
}

// SeenBefore implements DuplicateDetector
func (d *MemoryDetector) SeenBefore(_ context.Context, messageID string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrDetectorClosed
	}

	now := d.now()
	expires, exists := d.received[messageID]
	if exists && now.Before(expires) {
		return true, nil
	}
	d.received[messageID] = now.Add(window)
	return false, nil
}

// Forget implements DuplicateDetector
func (d *MemoryDetector) Forget(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.received, messageID)
	return nil
}

// Len returns the number of remembered message IDs, expired ones included
func (d *MemoryDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

// Close stops the janitor
func (d *MemoryDetector) Close() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.stop)
	})
	return nil
}

// cleanup removes expired entries until Close
func (d *MemoryDetector) cleanup(sweep time.Duration) {
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.expire()
		}
	}
}

func (d *MemoryDetector) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, expires := range d.received {
		if !now.Before(expires) {
			delete(d.received, id)
		}
	}
}

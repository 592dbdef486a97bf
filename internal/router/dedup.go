package router

import (
	"sync"
	"time"
)

// DefaultDedupWindow is how long a seen msg_id is remembered before it's
// eligible for eviction.
//
// Time-windowed eviction, rather than halving the set at a size cap: an
// entry's eviction depends only on its own age, never on how many other
// entries happen to exist at the time, so sustained load can't silently
// forget a recent msg_id and let its duplicate through.
const DefaultDedupWindow = 5 * time.Minute

// DefaultDedupSweepInterval is how often the background sweep goroutine
// walks the set evicting expired entries.
const DefaultDedupSweepInterval = time.Minute

// Deduplicator is a time-windowed set of seen msg_ids, plus a secondary
// comm_id -> set[msg_id] index. A secondary entry is stamped and swept
// together with its primary entry, so it never outlives it.
type Deduplicator struct {
	window time.Duration

	mu      sync.Mutex
	seenAt  map[string]time.Time
	byComm  map[string]map[string]time.Time
	stopped chan struct{}
}

// NewDeduplicator returns a Deduplicator that forgets entries older than
// window, and starts a background sweep goroutine running every interval.
// Call Stop to release the goroutine.
func NewDeduplicator(window, interval time.Duration) *Deduplicator {
	d := &Deduplicator{
		window:  window,
		seenAt:  make(map[string]time.Time),
		byComm:  make(map[string]map[string]time.Time),
		stopped: make(chan struct{}),
	}
	go d.sweepLoop(interval)
	return d
}

func (d *Deduplicator) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopped:
			return
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *Deduplicator) sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.seenAt {
		if now.Sub(t) > d.window {
			delete(d.seenAt, id)
		}
	}
	for commID, msgs := range d.byComm {
		for id, t := range msgs {
			if now.Sub(t) > d.window {
				delete(msgs, id)
			}
		}
		if len(msgs) == 0 {
			delete(d.byComm, commID)
		}
	}
}

// SeenOrMark reports whether msgID has already been observed (within the
// window), and marks it seen if not. commID may be empty when the frame
// carries no comm-id.
func (d *Deduplicator) SeenOrMark(msgID, commID string) (duplicate bool) {
	if msgID == "" {
		return false
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seenAt[msgID]; ok {
		return true
	}
	if commID != "" {
		if msgs, ok := d.byComm[commID]; ok {
			if _, ok := msgs[msgID]; ok {
				return true
			}
		}
	}

	d.seenAt[msgID] = now
	if commID != "" {
		msgs, ok := d.byComm[commID]
		if !ok {
			msgs = make(map[string]time.Time)
			d.byComm[commID] = msgs
		}
		msgs[msgID] = now
	}
	return false
}

// Stop terminates the background sweep goroutine.
func (d *Deduplicator) Stop() {
	select {
	case <-d.stopped:
	default:
		close(d.stopped)
	}
}

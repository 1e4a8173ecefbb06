package router

import (
	"sync"
	"time"

	"github.com/jtag-dev/jtag/internal/protocol"
)

// dedupEntry tracks one content hash inside the window. done closes when
// the original dispatch settles; resp holds the cached response for
// duplicated requests (nil for events and failed dispatches).
type dedupEntry struct {
	firstSeen time.Time
	done      chan struct{}
	resp      *protocol.Envelope
	settled   bool
}

// dedupSet is the router's at-most-once window. Writer-exclusive; a GC
// goroutine sweeps entries older than the window every second.
type dedupSet struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*dedupEntry
	stop    chan struct{}
	once    sync.Once
}

func newDedupSet(window time.Duration) *dedupSet {
	d := &dedupSet{
		window:  window,
		entries: make(map[string]*dedupEntry),
		stop:    make(chan struct{}),
	}
	go d.sweep()
	return d
}

// observe records a hash. The second and later observations return
// (entry, true); the first returns (entry, false) and owns the dispatch.
// An unsettled entry is a duplicate regardless of age — a resend while the
// original handler is still running must never dispatch a second time. The
// window only bounds how long a settled response keeps matching.
func (d *dedupSet) observe(hash string) (*dedupEntry, bool) {
	if hash == "" {
		return &dedupEntry{done: make(chan struct{})}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if e, ok := d.entries[hash]; ok && (!e.settled || now.Sub(e.firstSeen) < d.window) {
		return e, true
	}
	e := &dedupEntry{firstSeen: now, done: make(chan struct{})}
	d.entries[hash] = e
	return e, false
}

// settle records the dispatch outcome and releases duplicate waiters.
func (d *dedupSet) settle(hash string, resp *protocol.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[hash]
	if !ok || e.settled {
		return
	}
	e.resp = resp
	e.settled = true
	close(e.done)
}

// forget removes a hash so an immediate retry dispatches fresh. Used when
// the original dispatch failed before producing a response.
func (d *dedupSet) forget(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[hash]
	if !ok {
		return
	}
	if !e.settled {
		e.settled = true
		close(e.done)
	}
	delete(d.entries, hash)
}

func (d *dedupSet) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-d.window)
			d.mu.Lock()
			for hash, e := range d.entries {
				if e.firstSeen.Before(cutoff) && e.settled {
					delete(d.entries, hash)
				}
			}
			d.mu.Unlock()
		case <-d.stop:
			return
		}
	}
}

func (d *dedupSet) close() {
	d.once.Do(func() { close(d.stop) })
}

// size reports the live entry count. Test hook.
func (d *dedupSet) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

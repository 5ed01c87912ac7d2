// Package dedupe suppresses reprocessing of packets heard more than
// once.
//
// A Window tracks the last few (origin, id) pairs with a timestamp in a
// small circular table. Entries age out either by overwrite or by
// exceeding the configured time window, which keeps wrapped 16-bit ids
// from matching stale traffic. ACK frames are never recorded here; the
// outbound packet manager consumes them directly.
package dedupe

import "github.com/wars-mesh/birdhouse-go/core/codec"

const (
	// DefaultSlots is the default number of remembered packets.
	DefaultSlots = 8
	// DefaultWindowMs is the default age beyond which an entry no
	// longer counts as a duplicate. It must exceed the longest retry
	// horizon of any peer.
	DefaultWindowMs = 60_000
)

type entry struct {
	origin codec.Addr
	id     uint16
	stamp  uint32
	set    bool
}

// Window is a fixed-size record of recently seen packets.
type Window struct {
	entries  []entry
	next     int
	windowMs uint32
}

// New creates a Window with the default capacity and age limit.
func New() *Window {
	return NewWithConfig(DefaultSlots, DefaultWindowMs)
}

// NewWithConfig creates a Window with the given slot count and age
// limit in milliseconds.
func NewWithConfig(slots int, windowMs uint32) *Window {
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Window{
		entries:  make([]entry, slots),
		windowMs: windowMs,
	}
}

// IsDuplicate reports whether (origin, id) was recorded within the age
// window as of now.
func (w *Window) IsDuplicate(origin codec.Addr, id uint16, now uint32) bool {
	for _, e := range w.entries {
		if !e.set || e.origin != origin || e.id != id {
			continue
		}
		if now-e.stamp <= w.windowMs {
			return true
		}
	}
	return false
}

// Record stores (origin, id) at the current time, overwriting the
// oldest slot.
func (w *Window) Record(origin codec.Addr, id uint16, now uint32) {
	w.entries[w.next] = entry{origin: origin, id: id, stamp: now, set: true}
	w.next = (w.next + 1) % len(w.entries)
}

// Clear forgets all recorded packets.
func (w *Window) Clear() {
	for i := range w.entries {
		w.entries[i] = entry{}
	}
	w.next = 0
}

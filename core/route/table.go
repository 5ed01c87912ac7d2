// Package route provides the administratively set next-hop map used for
// forwarding decisions.
package route

import (
	"sync"

	"github.com/wars-mesh/birdhouse-go/core/codec"
)

// NoRoute is the sentinel returned when no next hop is known. Zero is
// never a legal next hop (it is the unassigned address), so the sentinel
// cannot collide with a stored entry.
const NoRoute codec.Addr = 0

// Table is the routing contract consumed by the engine. Entries are set
// administratively (console or SETROUTE packets); there is no dynamic
// discovery.
type Table interface {
	// NextHop returns the next hop toward finalDest, or NoRoute.
	NextHop(finalDest codec.Addr) codec.Addr
	// SetRoute stores the next hop for a routable target address.
	SetRoute(target, nextHop codec.Addr)
	// ClearRoutes resets every entry to NoRoute.
	ClearRoutes()
}

// MemoryTable is a dense in-memory Table over addresses 0..63.
type MemoryTable struct {
	mu    sync.Mutex
	table [codec.MaxRoutableAddr + 1]codec.Addr
}

// NewMemoryTable creates a table with every route cleared.
func NewMemoryTable() *MemoryTable {
	t := &MemoryTable{}
	t.ClearRoutes()
	return t
}

// NextHop implements the routing contract:
//
//	finalDest == 0       -> 0 (invalid)
//	finalDest >= 0xFFF0  -> finalDest (self-routed special range)
//	finalDest >= 64      -> NoRoute
//	otherwise            -> stored entry, default NoRoute
func (t *MemoryTable) NextHop(finalDest codec.Addr) codec.Addr {
	if finalDest == codec.AddrInvalid {
		return codec.AddrInvalid
	}
	if finalDest.IsSpecial() {
		return finalDest
	}
	if finalDest > codec.MaxRoutableAddr {
		return NoRoute
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table[finalDest]
}

// SetRoute stores the entry. Targets outside the routable range are
// ignored.
func (t *MemoryTable) SetRoute(target, nextHop codec.Addr) {
	if !target.IsRoutable() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[target] = nextHop
}

// ClearRoutes resets all entries to NoRoute.
func (t *MemoryTable) ClearRoutes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.table {
		t.table[i] = NoRoute
	}
}

// Routes returns a copy of the populated entries, for display.
func (t *MemoryTable) Routes() map[codec.Addr]codec.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[codec.Addr]codec.Addr)
	for target, nh := range t.table {
		if nh != NoRoute {
			out[codec.Addr(target)] = nh
		}
	}
	return out
}

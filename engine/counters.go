package engine

import "sync/atomic"

// Counters tracks the engine's packet statistics. All fields are safe
// for concurrent reads while the engine pumps.
type Counters struct {
	RxPackets    atomic.Uint32 // accepted frames (ours or broadcast)
	BadRxPackets atomic.Uint32 // short frames and version mismatches
	BadRoutes    atomic.Uint32 // forward or return path had no route
	TxTimeouts   atomic.Uint32 // deliveries abandoned by the OPM
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	RxPackets    uint32
	BadRxPackets uint32
	BadRoutes    uint32
	TxTimeouts   uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		RxPackets:    c.RxPackets.Load(),
		BadRxPackets: c.BadRxPackets.Load(),
		BadRoutes:    c.BadRoutes.Load(),
		TxTimeouts:   c.TxTimeouts.Load(),
	}
}

// Reset zeroes the receive-side counters.
func (c *Counters) Reset() {
	c.RxPackets.Store(0)
	c.BadRxPackets.Store(0)
	c.BadRoutes.Store(0)
}

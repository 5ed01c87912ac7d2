// Package engine implements the per-node packet pipeline: the message
// processor that classifies, deduplicates, acknowledges, forwards, or
// locally serves received frames, and the outbound packet manager that
// provides retransmission with ACK correlation.
//
// The engine is single-threaded and cooperative: a host loop calls
// Pump() repeatedly, and the only state shared with the radio link is
// the two frame rings. Nothing in here blocks, sleeps, or takes locks
// beyond the rings' own cursors.
package engine

import "github.com/wars-mesh/birdhouse-go/core/codec"

// Instrumentation abstracts the host hardware facilities the engine
// reports on or commands. Implementations must be non-blocking; Restart
// is terminal and need not return.
type Instrumentation interface {
	SoftwareVersion() uint16
	DeviceClass() uint16
	DeviceRevision() uint16
	BatteryVoltage() uint16
	PanelVoltage() uint16
	Temperature() int16
	Humidity() int16
	Restart()
	RestartRadio()
	Sleep(ms uint32)
}

// Configuration abstracts the node's administrative settings.
type Configuration interface {
	Addr() codec.Addr
	Call() codec.CallSign
	BatteryLimit() uint16
	BootCount() uint16
	SleepCount() uint16
	// LogLevel above zero enables per-packet receive tracing.
	LogLevel() int
	// CommandMode selects the console rendering for received text:
	// 1 renders JSON objects, anything else a terse operator line.
	CommandMode() int
	// Passcode is the shared secret sent with remote admin commands.
	Passcode() uint32
	// CheckPasscode verifies the passcode carried by an inbound admin
	// command.
	CheckPasscode(passcode uint32) bool
}

package engine

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/core/route"
)

var (
	// ErrNoRoute means the routing table has no next hop for the target.
	ErrNoRoute = errors.New("no route")
	// ErrQueueFull means the outbound path refused the packet.
	ErrQueueFull = errors.New("queue full")
)

// Commander translates operator commands into packets and injects them
// into the engine through the same outbound path radio traffic uses.
// Commands resolve the next hop themselves; a missing route surfaces as
// ErrNoRoute before anything is queued.
type Commander struct {
	proc *Processor
}

// NewCommander creates a Commander bound to a Processor.
func NewCommander(proc *Processor) *Commander {
	return &Commander{proc: proc}
}

// Ping sends a PING_REQ toward target.
func (c *Commander) Ping(target codec.Addr) error {
	return c.send(codec.TypePingReq, target, nil)
}

// SetRoute stores a route in the local table. Purely local; nothing is
// transmitted.
func (c *Commander) SetRoute(target, nextHop codec.Addr) {
	c.proc.routes.SetRoute(target, nextHop)
}

// SetRouteRemote asks node to store a route, authorized with the
// configured passcode.
func (c *Commander) SetRouteRemote(node, target, nextHop codec.Addr) error {
	req := codec.SetRouteReq{
		Passcode:    c.proc.cfg.Passcode(),
		TargetAddr:  target,
		NextHopAddr: nextHop,
	}
	return c.send(codec.TypeSetRoute, node, req.Encode())
}

// SendText sends a text message toward target.
func (c *Commander) SendText(target codec.Addr, text string) error {
	if len(text) > codec.MaxPayloadSize {
		return codec.ErrFrameTooLarge
	}
	return c.send(codec.TypeText, target, []byte(text))
}

// GetRoute asks node to report its route for target.
func (c *Commander) GetRoute(node, target codec.Addr) error {
	req := codec.GetRouteReq{TargetAddr: target}
	return c.send(codec.TypeGetRouteReq, node, req.Encode())
}

// Reset asks node to restart, authorized with the configured passcode.
// Resetting the local node works through loopback.
func (c *Commander) Reset(node codec.Addr) error {
	req := codec.ResetReq{Passcode: c.proc.cfg.Passcode()}
	return c.send(codec.TypeReset, node, req.Encode())
}

// ResetCounters asks node to zero its packet counters.
func (c *Commander) ResetCounters(node codec.Addr) error {
	req := codec.ResetReq{Passcode: c.proc.cfg.Passcode()}
	return c.send(codec.TypeResetCounters, node, req.Encode())
}

// Info writes the local station snapshot. Purely local; nothing is
// transmitted.
func (c *Commander) Info(w io.Writer) {
	snap := c.proc.CountersSnapshot()
	fmt.Fprintf(w,
		"INFO: { \"node\": %d, \"call\": %q, \"batteryMv\": %d, \"uptimeSeconds\": %d, "+
			"\"rxPacketCount\": %d, \"badRxPacketCount\": %d, \"badRouteCount\": %d, "+
			"\"txTimeoutCount\": %d, \"pending\": %d }\n",
		uint16(c.proc.cfg.Addr()), c.proc.cfg.Call().String(),
		c.proc.inst.BatteryVoltage(), c.proc.UptimeSeconds(),
		snap.RxPackets, snap.BadRxPackets, snap.BadRoutes,
		snap.TxTimeouts, c.proc.PendingCount())
}

// send resolves the next hop for finalDest, builds the packet, and
// queues it.
func (c *Commander) send(t codec.MsgType, finalDest codec.Addr, payload []byte) error {
	self := c.proc.cfg.Addr()
	nextHop := c.proc.routes.NextHop(finalDest)
	if finalDest == self {
		nextHop = self // loopback
	}
	if nextHop == route.NoRoute || nextHop == codec.AddrInvalid {
		return fmt.Errorf("%w to %d", ErrNoRoute, uint16(finalDest))
	}

	call := c.proc.cfg.Call()
	h := codec.Header{
		Version:            codec.ProtocolVersion,
		ID:                 c.proc.NextID(),
		SourceAddr:         self,
		DestAddr:           nextHop,
		OriginalSourceAddr: self,
		FinalDestAddr:      finalDest,
		SourceCall:         call,
		OriginalSourceCall: call,
	}
	h.SetType(t)
	h.SetAckRequired(!nextHop.IsBroadcast())

	pkt := codec.Packet{Header: h, Payload: payload}
	if !c.proc.TransmitIfPossible(&pkt) {
		return ErrQueueFull
	}
	return nil
}

// Execute parses and runs one console command line, writing local
// output to w. Supported commands:
//
//	ping <addr>
//	info
//	setroute <target> <nextHop>
//	setrouteremote <node> <target> <nextHop>
//	text <addr> <message...>
//	getroute <node> <target>
//	reset <node>
//	resetcounters <node>
func (c *Commander) Execute(line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "ping":
		if len(fields) != 2 {
			return errors.New("usage: ping <addr>")
		}
		target, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		return c.Ping(target)

	case "info":
		c.Info(w)
		return nil

	case "setroute":
		if len(fields) != 3 {
			return errors.New("usage: setroute <target> <nextHop>")
		}
		target, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		nextHop, err := parseAddr(fields[2])
		if err != nil {
			return err
		}
		c.SetRoute(target, nextHop)
		return nil

	case "setrouteremote":
		if len(fields) != 4 {
			return errors.New("usage: setrouteremote <node> <target> <nextHop>")
		}
		node, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		target, err := parseAddr(fields[2])
		if err != nil {
			return err
		}
		nextHop, err := parseAddr(fields[3])
		if err != nil {
			return err
		}
		return c.SetRouteRemote(node, target, nextHop)

	case "text":
		if len(fields) < 3 {
			return errors.New("usage: text <addr> <message>")
		}
		target, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		return c.SendText(target, strings.Join(fields[2:], " "))

	case "getroute":
		if len(fields) != 3 {
			return errors.New("usage: getroute <node> <target>")
		}
		node, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		target, err := parseAddr(fields[2])
		if err != nil {
			return err
		}
		return c.GetRoute(node, target)

	case "reset":
		if len(fields) != 2 {
			return errors.New("usage: reset <node>")
		}
		node, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		return c.Reset(node)

	case "resetcounters":
		if len(fields) != 2 {
			return errors.New("usage: resetcounters <node>")
		}
		node, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		return c.ResetCounters(node)

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func parseAddr(s string) (codec.Addr, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return codec.Addr(v), nil
}

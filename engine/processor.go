package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/wars-mesh/birdhouse-go/core/buffer"
	"github.com/wars-mesh/birdhouse-go/core/clock"
	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/core/dedupe"
	"github.com/wars-mesh/birdhouse-go/core/route"
)

// Config configures a Processor.
type Config struct {
	Clock           clock.Clock
	RxRing          *buffer.Ring
	TxRing          *buffer.Ring
	Routes          route.Table
	Instrumentation Instrumentation
	Configuration   Configuration

	// TxTimeoutMs and TxRetryMs tune the outbound packet manager.
	// Zero selects the defaults.
	TxTimeoutMs uint32
	TxRetryMs   uint32
	OpmSlots    int

	// DedupSlots and DedupWindowMs tune duplicate suppression.
	DedupSlots    int
	DedupWindowMs uint32

	// Console receives operator-facing output (ping results, texts,
	// telemetry renderings). Defaults to io.Discard.
	Console io.Writer

	// Logger for engine diagnostics. Falls back to slog.Default().
	Logger *slog.Logger
}

// Processor is the node's receive classifier and dispatcher. It drains
// the RX ring, validates and deduplicates frames, synthesizes ACKs,
// forwards transit traffic, serves local requests, and drives the
// outbound packet manager.
type Processor struct {
	clk     clock.Clock
	rx      *buffer.Ring
	tx      *buffer.Ring
	routes  route.Table
	inst    Instrumentation
	cfg     Configuration
	opm     *OutboundPacketManager
	seen    *dedupe.Window
	log     *slog.Logger
	console io.Writer

	counters  Counters
	idCounter uint16
	startTime uint32
	lastRx    uint32

	// Scratch space reused across pumps; the steady-state receive path
	// does not allocate.
	sideBuf  [2]byte
	frameBuf [buffer.MaxRecordPayload]byte
	pkt      codec.Packet
}

// NewProcessor creates a Processor. Clock, rings, routes, and the two
// host ports are required.
func NewProcessor(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	console := cfg.Console
	if console == nil {
		console = io.Discard
	}
	dedupSlots := cfg.DedupSlots
	if dedupSlots <= 0 {
		dedupSlots = dedupe.DefaultSlots
	}
	dedupWindow := cfg.DedupWindowMs
	if dedupWindow == 0 {
		dedupWindow = dedupe.DefaultWindowMs
	}

	p := &Processor{
		clk:       cfg.Clock,
		rx:        cfg.RxRing,
		tx:        cfg.TxRing,
		routes:    cfg.Routes,
		inst:      cfg.Instrumentation,
		cfg:       cfg.Configuration,
		seen:      dedupe.NewWithConfig(dedupSlots, dedupWindow),
		log:       logger.WithGroup("engine"),
		console:   console,
		idCounter: 1,
		startTime: cfg.Clock.Time(),
		lastRx:    cfg.Clock.Time(),
	}
	p.opm = NewOutboundPacketManager(cfg.Clock, cfg.TxRing,
		cfg.TxTimeoutMs, cfg.TxRetryMs, cfg.OpmSlots, &p.counters, logger)
	return p
}

// Pump performs one cooperative tick: it drains the RX ring to empty,
// processing frames in arrival order, then advances the outbound packet
// manager. Draining RX first guarantees ACKs heard in this radio window
// land before any retry decision. Loopback frames pushed onto RX during
// processing are picked up by the same drain loop, never recursively.
func (p *Processor) Pump() {
	for {
		n, ok := p.rx.Pop(p.sideBuf[:], p.frameBuf[:])
		if !ok {
			break
		}
		rssi := int16(binary.LittleEndian.Uint16(p.sideBuf[:]))
		p.process(rssi, p.frameBuf[:n])
	}
	p.opm.Pump()
}

// NextID returns a fresh 16-bit packet id. Ids are unique per node and
// per boot, wrapping after 65535; the dedup window's age limit covers
// collisions after a wrap.
func (p *Processor) NextID() uint16 {
	id := p.idCounter
	p.idCounter++
	return id
}

// TransmitIfPossible hands a packet to the outbound path. Packets
// addressed to this node loop straight back onto the RX ring (RSSI 0)
// and are discovered on the next drain iteration; everything else goes
// through the outbound packet manager. Returns false when the target
// queue is full.
func (p *Processor) TransmitIfPossible(pkt *codec.Packet) bool {
	if pkt.Header.DestAddr == p.cfg.Addr() {
		var frame [codec.MaxFrameSize]byte
		n, err := pkt.Encode(frame[:])
		if err != nil {
			p.log.Warn("unencodable packet dropped", "error", err)
			return false
		}
		var side [2]byte // loopback RSSI is zero
		return p.rx.Push(side[:], frame[:n])
	}
	return p.opm.Schedule(pkt)
}

// process runs the classification pipeline for one received frame.
func (p *Processor) process(rssi int16, frame []byte) {
	self := p.cfg.Addr()

	if len(frame) < codec.HeaderSize {
		p.counters.BadRxPackets.Add(1)
		p.log.Warn("bad message", "reason", "short frame", "len", len(frame))
		return
	}
	if err := p.pkt.Decode(frame); err != nil {
		p.counters.BadRxPackets.Add(1)
		p.log.Warn("bad message", "reason", "undecodable", "error", err)
		return
	}
	h := &p.pkt.Header

	if h.Version != codec.ProtocolVersion {
		p.counters.BadRxPackets.Add(1)
		p.log.Warn("bad message", "reason", "version", "version", h.Version)
		return
	}

	// Traffic overheard for another node is dropped without counting.
	if !h.DestAddr.IsBroadcast() && h.DestAddr != self {
		if p.cfg.LogLevel() > 0 {
			p.log.Debug("ignored packet for other node", "dest", uint16(h.DestAddr))
		}
		return
	}

	p.counters.RxPackets.Add(1)
	p.lastRx = p.clk.Time()

	if p.cfg.LogLevel() > 0 {
		p.log.Debug("got packet",
			"type", h.Type().String(),
			"id", h.ID,
			"from", uint16(h.SourceAddr),
			"fromCall", h.SourceCall.String(),
			"to", uint16(h.DestAddr),
			"originalSource", uint16(h.OriginalSourceAddr),
			"originalSourceCall", h.OriginalSourceCall.String(),
			"finalDest", uint16(h.FinalDestAddr),
			"rssi", rssi)
	}

	// ACKs correlate with pending sends and go no further: never
	// deduplicated, forwarded, or acknowledged themselves.
	if h.IsAck() {
		p.opm.ProcessAck(h)
		return
	}

	// Acknowledge before the duplicate check: a duplicate usually means
	// our previous ACK was lost.
	if h.IsAckRequired() {
		ack := codec.Packet{Header: codec.AckFor(h, self, p.cfg.Call())}
		if !p.TransmitIfPossible(&ack) {
			p.log.Warn("queue full, no ack", "id", h.ID, "dest", uint16(ack.Header.DestAddr))
		}
	}

	now := p.clk.Time()
	if p.seen.IsDuplicate(h.OriginalSourceAddr, h.ID, now) {
		if p.cfg.LogLevel() > 0 {
			p.log.Debug("ignored duplicate", "origin", uint16(h.OriginalSourceAddr), "id", h.ID)
		}
		return
	}
	p.seen.Record(h.OriginalSourceAddr, h.ID, now)

	// Broadcast packets are consumed here like our own; they are never
	// forwarded.
	if h.FinalDestAddr != self && !h.FinalDestAddr.IsBroadcast() {
		p.forward(&p.pkt)
		return
	}
	p.serveLocal(rssi, &p.pkt)
}

// forward relays a transit packet toward its final destination,
// rewriting only the hop fields and the id.
func (p *Processor) forward(pkt *codec.Packet) {
	nextHop := p.routes.NextHop(pkt.Header.FinalDestAddr)
	if nextHop == route.NoRoute || nextHop == codec.AddrInvalid {
		p.counters.BadRoutes.Add(1)
		p.log.Warn("no route", "finalDest", uint16(pkt.Header.FinalDestAddr))
		return
	}

	// Only the hop fields and the id change; everything end-to-end,
	// calls included, rides through untouched.
	out := *pkt
	out.Header.ID = p.NextID()
	out.Header.DestAddr = nextHop
	out.Header.SourceAddr = p.cfg.Addr()

	if !p.TransmitIfPossible(&out) {
		p.log.Warn("queue full, no forward", "nextHop", uint16(nextHop))
		return
	}
	if p.cfg.LogLevel() > 0 {
		p.log.Debug("forward", "nextHop", uint16(nextHop), "id", out.Header.ID)
	}
}

// serveLocal dispatches a packet whose final destination is this node.
func (p *Processor) serveLocal(rssi int16, pkt *codec.Packet) {
	h := &pkt.Header
	self := p.cfg.Addr()

	// The return path toward the originator, for request types that
	// imply a response.
	firstHop := p.routes.NextHop(h.OriginalSourceAddr)
	if h.ResponseRequired() && (firstHop == route.NoRoute || firstHop == codec.AddrInvalid) {
		p.counters.BadRoutes.Add(1)
		p.log.Warn("no route to originator", "origin", uint16(h.OriginalSourceAddr))
		return
	}

	switch h.Type() {
	case codec.TypePingReq:
		resp := codec.Packet{
			Header: codec.ResponseFor(h, codec.TypePingResp, p.NextID(), firstHop, self, p.cfg.Call()),
		}
		if !p.TransmitIfPossible(&resp) {
			p.log.Warn("queue full, no response", "type", "PING_RESP")
		}

	case codec.TypePingResp:
		fmt.Fprintf(p.console, "PING_RESP: { \"node\": %d, \"call\": %q }\n",
			uint16(h.OriginalSourceAddr), h.OriginalSourceCall.String())

	case codec.TypeGetSedReq:
		p.serveGetSed(rssi, h, firstHop)

	case codec.TypeGetSedResp:
		p.showGetSedResp(pkt)

	case codec.TypeReset, codec.TypeResetCounters:
		p.serveReset(pkt)

	case codec.TypeText:
		p.showText(pkt)

	case codec.TypeSetRoute:
		p.serveSetRoute(pkt)

	case codec.TypeGetRouteReq:
		p.serveGetRoute(pkt, firstHop)

	case codec.TypeGetRouteResp:
		p.showGetRouteResp(pkt)

	default:
		p.log.Warn("unknown message", "type", uint8(h.Type()))
	}
}

func (p *Processor) serveGetSed(rssi int16, h *codec.Header, firstHop codec.Addr) {
	now := p.clk.Time()
	snap := p.counters.Snapshot()
	data := codec.EngineeringData{
		Version:          p.inst.SoftwareVersion(),
		BatteryMv:        p.inst.BatteryVoltage(),
		PanelMv:          p.inst.PanelVoltage(),
		UptimeSeconds:    (now - p.startTime) / 1000,
		Time:             now,
		BootCount:        p.cfg.BootCount(),
		SleepCount:       p.cfg.SleepCount(),
		LastHopRssi:      rssi,
		Temp:             p.inst.Temperature(),
		Humidity:         p.inst.Humidity(),
		DeviceClass:      p.inst.DeviceClass(),
		DeviceRevision:   p.inst.DeviceRevision(),
		RxPacketCount:    uint16(snap.RxPackets),
		BadRxPacketCount: uint16(snap.BadRxPackets),
		BadRouteCount:    uint16(snap.BadRoutes),
	}
	resp := codec.Packet{
		Header:  codec.ResponseFor(h, codec.TypeGetSedResp, p.NextID(), firstHop, p.cfg.Addr(), p.cfg.Call()),
		Payload: data.Encode(),
	}
	if !p.TransmitIfPossible(&resp) {
		p.log.Warn("queue full, no response", "type", "GETSED_RESP")
	}
}

func (p *Processor) showGetSedResp(pkt *codec.Packet) {
	data, err := codec.ParseEngineeringData(pkt.Payload)
	if err != nil {
		p.log.Warn("bad message", "reason", "short GETSED_RESP", "error", err)
		return
	}
	fmt.Fprintf(p.console,
		"GETSED_RESP: { \"node\": %d, \"version\": %d, \"batteryMv\": %d, \"panelMv\": %d, "+
			"\"uptimeSeconds\": %d, \"bootCount\": %d, \"sleepCount\": %d, \"rxPacketCount\": %d, "+
			"\"badRxPacketCount\": %d, \"badRouteCount\": %d, \"lastHopRssi\": %d }\n",
		uint16(pkt.Header.OriginalSourceAddr), data.Version, data.BatteryMv, data.PanelMv,
		data.UptimeSeconds, data.BootCount, data.SleepCount, data.RxPacketCount,
		data.BadRxPacketCount, data.BadRouteCount, data.LastHopRssi)
}

func (p *Processor) serveReset(pkt *codec.Packet) {
	req, err := codec.ParseResetReq(pkt.Payload)
	if err != nil {
		p.log.Warn("bad message", "reason", "short reset request", "error", err)
		return
	}
	if !p.cfg.CheckPasscode(req.Passcode) {
		p.log.Warn("unauthorized", "type", pkt.Header.Type().String(),
			"origin", uint16(pkt.Header.OriginalSourceAddr))
		return
	}
	if pkt.Header.Type() == codec.TypeReset {
		p.log.Info("resetting")
		p.inst.Restart()
		return
	}
	p.log.Info("reset counters")
	p.ResetCounters()
}

func (p *Processor) showText(pkt *codec.Packet) {
	text := string(pkt.Payload)
	if p.cfg.CommandMode() == 1 {
		fmt.Fprintf(p.console, "TEXT: { \"call\": %q, \"node\": %d, \"text\": %q }\n",
			pkt.Header.OriginalSourceCall.String(),
			uint16(pkt.Header.OriginalSourceAddr), text)
		return
	}
	fmt.Fprintf(p.console, "MSG: [%s,%d] %s\n",
		pkt.Header.OriginalSourceCall.String(),
		uint16(pkt.Header.OriginalSourceAddr), text)
}

func (p *Processor) serveSetRoute(pkt *codec.Packet) {
	req, err := codec.ParseSetRouteReq(pkt.Payload)
	if err != nil {
		p.log.Warn("bad message", "reason", "short setroute request", "error", err)
		return
	}
	if !p.cfg.CheckPasscode(req.Passcode) {
		p.log.Warn("unauthorized", "type", "SETROUTE",
			"origin", uint16(pkt.Header.OriginalSourceAddr))
		return
	}
	p.routes.SetRoute(req.TargetAddr, req.NextHopAddr)
	p.log.Info("set route",
		"target", uint16(req.TargetAddr), "nextHop", uint16(req.NextHopAddr))
}

func (p *Processor) serveGetRoute(pkt *codec.Packet, firstHop codec.Addr) {
	req, err := codec.ParseGetRouteReq(pkt.Payload)
	if err != nil {
		p.log.Warn("bad message", "reason", "short getroute request", "error", err)
		return
	}
	respPayload := codec.GetRouteResp{
		TargetAddr:  req.TargetAddr,
		NextHopAddr: p.routes.NextHop(req.TargetAddr),
		// Per-route traffic counters are not tracked yet.
		TxPacketCount: 0,
		RxPacketCount: 0,
	}
	resp := codec.Packet{
		Header:  codec.ResponseFor(&pkt.Header, codec.TypeGetRouteResp, p.NextID(), firstHop, p.cfg.Addr(), p.cfg.Call()),
		Payload: respPayload.Encode(),
	}
	if !p.TransmitIfPossible(&resp) {
		p.log.Warn("queue full, no response", "type", "GETROUTE_RESP")
	}
}

func (p *Processor) showGetRouteResp(pkt *codec.Packet) {
	resp, err := codec.ParseGetRouteResp(pkt.Payload)
	if err != nil {
		p.log.Warn("bad message", "reason", "short GETROUTE_RESP", "error", err)
		return
	}
	fmt.Fprintf(p.console,
		"GETROUTE_RESP: { \"origSourceAddr\": %d, \"targetAddr\": %d, \"nextHopAddr\": %d }\n",
		uint16(pkt.Header.OriginalSourceAddr), uint16(resp.TargetAddr), uint16(resp.NextHopAddr))
}

// PendingCount returns the number of outbound deliveries awaiting ACK.
func (p *Processor) PendingCount() int {
	return p.opm.PendingCount()
}

// CountersSnapshot returns a copy of the engine's packet counters.
func (p *Processor) CountersSnapshot() CountersSnapshot {
	return p.counters.Snapshot()
}

// ResetCounters zeroes the receive-side packet counters.
func (p *Processor) ResetCounters() {
	p.counters.Reset()
}

// SecondsSinceLastRx returns how long ago the last accepted packet
// arrived. Watchdog input: a silent radio usually wants a restart.
func (p *Processor) SecondsSinceLastRx() uint32 {
	return (p.clk.Time() - p.lastRx) / 1000
}

// UptimeSeconds returns seconds since the processor was created.
func (p *Processor) UptimeSeconds() uint32 {
	return (p.clk.Time() - p.startTime) / 1000
}

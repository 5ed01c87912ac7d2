package engine

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/wars-mesh/birdhouse-go/core/buffer"
	"github.com/wars-mesh/birdhouse-go/core/clock"
	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/core/route"
)

// testInstrumentation implements Instrumentation with fixed readings.
type testInstrumentation struct {
	restarted      bool
	radioRestarted bool
	sleptMs        uint32
}

func (i *testInstrumentation) SoftwareVersion() uint16 { return 1 }
func (i *testInstrumentation) DeviceClass() uint16     { return 2 }
func (i *testInstrumentation) DeviceRevision() uint16  { return 1 }
func (i *testInstrumentation) BatteryVoltage() uint16  { return 3800 }
func (i *testInstrumentation) PanelVoltage() uint16    { return 4000 }
func (i *testInstrumentation) Temperature() int16      { return 23 }
func (i *testInstrumentation) Humidity() int16         { return 87 }
func (i *testInstrumentation) Restart()                { i.restarted = true }
func (i *testInstrumentation) RestartRadio()           { i.radioRestarted = true }
func (i *testInstrumentation) Sleep(ms uint32)         { i.sleptMs = ms }

// testConfiguration implements Configuration for node 1 "KC1FSZ".
type testConfiguration struct {
	addr        codec.Addr
	call        codec.CallSign
	logLevel    int
	commandMode int
	passcode    uint32
}

func (c *testConfiguration) Addr() codec.Addr          { return c.addr }
func (c *testConfiguration) Call() codec.CallSign      { return c.call }
func (c *testConfiguration) BatteryLimit() uint16      { return 3400 }
func (c *testConfiguration) BootCount() uint16         { return 1 }
func (c *testConfiguration) SleepCount() uint16        { return 1 }
func (c *testConfiguration) LogLevel() int             { return c.logLevel }
func (c *testConfiguration) CommandMode() int          { return c.commandMode }
func (c *testConfiguration) Passcode() uint32          { return c.passcode }
func (c *testConfiguration) CheckPasscode(p uint32) bool {
	return p == c.passcode
}

type fixture struct {
	clk     *clock.Manual
	rx      *buffer.Ring
	tx      *buffer.Ring
	routes  *route.MemoryTable
	inst    *testInstrumentation
	cfg     *testConfiguration
	proc    *Processor
	cmd     *Commander
	console bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:    clock.NewManual(10_000),
		rx:     buffer.NewRing(4096, 2),
		tx:     buffer.NewRing(4096, 0),
		routes: route.NewMemoryTable(),
		inst:   &testInstrumentation{},
		cfg: &testConfiguration{
			addr:     1,
			call:     codec.MakeCallSign("KC1FSZ"),
			passcode: 1234,
		},
	}
	f.proc = NewProcessor(Config{
		Clock:           f.clk,
		RxRing:          f.rx,
		TxRing:          f.tx,
		Routes:          f.routes,
		Instrumentation: f.inst,
		Configuration:   f.cfg,
		TxTimeoutMs:     10_000,
		TxRetryMs:       2_000,
		Console:         &f.console,
	})
	f.cmd = NewCommander(f.proc)
	return f
}

// injectRx pushes a packet onto the RX ring as if the radio heard it.
func (f *fixture) injectRx(t *testing.T, pkt *codec.Packet, rssi int16) {
	t.Helper()
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal inject: %v", err)
	}
	var side [2]byte
	binary.LittleEndian.PutUint16(side[:], uint16(rssi))
	if !f.rx.Push(side[:], data) {
		t.Fatal("RX ring full")
	}
}

// injectRxRaw pushes raw bytes onto the RX ring.
func (f *fixture) injectRxRaw(t *testing.T, frame []byte) {
	t.Helper()
	var side [2]byte
	if !f.rx.Push(side[:], frame) {
		t.Fatal("RX ring full")
	}
}

// makePacket builds an inbound packet from a peer.
func makePacket(typ codec.MsgType, id uint16, src, dest, origSrc, finalDest codec.Addr, payload []byte, ackRequired bool) *codec.Packet {
	h := codec.Header{
		Version:            codec.ProtocolVersion,
		ID:                 id,
		SourceAddr:         src,
		DestAddr:           dest,
		OriginalSourceAddr: origSrc,
		FinalDestAddr:      finalDest,
		SourceCall:         codec.MakeCallSign("W1AW"),
		OriginalSourceCall: codec.MakeCallSign("W1XYZ"),
	}
	h.SetType(typ)
	h.SetAckRequired(ackRequired)
	return &codec.Packet{Header: h, Payload: payload}
}

// --- Command surface scenarios ---

func TestCommand_PingViaRoute(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)

	if err := f.cmd.Ping(7); err != nil {
		t.Fatalf("ping: %v", err)
	}
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want exactly 1", f.tx.Len())
	}
	p := popFrame(t, f.tx)
	if p.Header.Type() != codec.TypePingReq {
		t.Errorf("type = %v, want PING_REQ", p.Header.Type())
	}
	if p.Header.DestAddr != 3 || p.Header.SourceAddr != 1 {
		t.Errorf("hop = %d->%d, want 1->3", p.Header.SourceAddr, p.Header.DestAddr)
	}
	if p.Header.FinalDestAddr != 7 || p.Header.OriginalSourceAddr != 1 {
		t.Errorf("end-to-end = %d->%d, want 1->7",
			p.Header.OriginalSourceAddr, p.Header.FinalDestAddr)
	}
}

func TestCommand_PingWithoutRoute(t *testing.T) {
	f := newFixture(t)

	err := f.cmd.Ping(7)
	if err == nil {
		t.Fatal("ping without route should fail")
	}
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0", f.tx.Len())
	}
}

func TestCommand_InfoIsLocal(t *testing.T) {
	f := newFixture(t)

	var out bytes.Buffer
	if err := f.cmd.Execute("info", &out); err != nil {
		t.Fatalf("info: %v", err)
	}
	f.proc.Pump()

	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0 (info is local)", f.tx.Len())
	}
	if !strings.Contains(out.String(), "\"call\": \"KC1FSZ\"") {
		t.Errorf("info output missing call sign: %s", out.String())
	}
}

func TestCommand_SetRouteLocal(t *testing.T) {
	f := newFixture(t)

	if err := f.cmd.Execute("setroute 8 3", &bytes.Buffer{}); err != nil {
		t.Fatalf("setroute: %v", err)
	}
	f.proc.Pump()

	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0 (local setroute)", f.tx.Len())
	}
	if got := f.routes.NextHop(8); got != 3 {
		t.Errorf("NextHop(8) = %d, want 3", got)
	}
}

func TestCommand_SetRouteRemote(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)

	if err := f.cmd.Execute("setrouteremote 7 1 4", &bytes.Buffer{}); err != nil {
		t.Fatalf("setrouteremote: %v", err)
	}
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	p := popFrame(t, f.tx)
	if p.Header.Type() != codec.TypeSetRoute {
		t.Errorf("type = %v, want SETROUTE", p.Header.Type())
	}
	if p.Header.DestAddr != 3 || p.Header.SourceAddr != 1 {
		t.Errorf("hop = %d->%d, want 1->3", p.Header.SourceAddr, p.Header.DestAddr)
	}
	req, err := codec.ParseSetRouteReq(p.Payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if req.TargetAddr != 1 || req.NextHopAddr != 4 {
		t.Errorf("payload = %+v, want target 1 nextHop 4", req)
	}
}

func TestCommand_TextSend(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)

	if err := f.cmd.Execute("text 7 Hello World!", &bytes.Buffer{}); err != nil {
		t.Fatalf("text: %v", err)
	}
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	p := popFrame(t, f.tx)
	if p.Header.Type() != codec.TypeText {
		t.Errorf("type = %v, want TEXT", p.Header.Type())
	}
	if p.Header.DestAddr != 3 || p.Header.SourceAddr != 1 {
		t.Errorf("hop = %d->%d, want 1->3", p.Header.SourceAddr, p.Header.DestAddr)
	}
	if string(p.Payload) != "Hello World!" {
		t.Errorf("payload = %q, want Hello World!", p.Payload)
	}
	if p.Len() != codec.HeaderSize+12 {
		t.Errorf("wire length = %d, want %d", p.Len(), codec.HeaderSize+12)
	}
}

// --- Receive pipeline ---

func TestProcess_ShortFrameCounted(t *testing.T) {
	f := newFixture(t)

	f.injectRxRaw(t, make([]byte, codec.HeaderSize-1))
	f.proc.Pump()

	if got := f.proc.CountersSnapshot().BadRxPackets; got != 1 {
		t.Errorf("BadRxPackets = %d, want 1", got)
	}
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0", f.tx.Len())
	}
}

func TestProcess_BadVersionCounted(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.TypeText, 1, 2, 1, 2, 1, []byte("x"), false)
	pkt.Header.Version = codec.ProtocolVersion + 1
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	snap := f.proc.CountersSnapshot()
	if snap.BadRxPackets != 1 {
		t.Errorf("BadRxPackets = %d, want 1", snap.BadRxPackets)
	}
	if snap.RxPackets != 0 {
		t.Errorf("RxPackets = %d, want 0", snap.RxPackets)
	}
}

func TestProcess_OverheardDroppedSilently(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(9, 5)

	// Hop-addressed to node 2, not us and not broadcast.
	pkt := makePacket(codec.TypeText, 1, 3, 2, 3, 9, []byte("x"), true)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	snap := f.proc.CountersSnapshot()
	if snap.RxPackets != 0 || snap.BadRxPackets != 0 || snap.BadRoutes != 0 {
		t.Errorf("counters moved for overheard frame: %+v", snap)
	}
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0 (no ACK, no forward, no response)", f.tx.Len())
	}
	if f.console.Len() != 0 {
		t.Errorf("console output for overheard frame: %q", f.console.String())
	}
}

func TestProcess_ForwardRewritesHopFields(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(9, 5)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 9, []byte("transit"), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	fwd := popFrame(t, f.tx)
	if fwd.Header.DestAddr != 5 || fwd.Header.SourceAddr != 1 {
		t.Errorf("hop = %d->%d, want 1->5", fwd.Header.SourceAddr, fwd.Header.DestAddr)
	}
	if fwd.Header.OriginalSourceAddr != 2 || fwd.Header.FinalDestAddr != 9 {
		t.Errorf("end-to-end fields not preserved: %d->%d",
			fwd.Header.OriginalSourceAddr, fwd.Header.FinalDestAddr)
	}
	if fwd.Header.ID == 100 {
		t.Error("forwarded packet must carry a fresh id")
	}
	if string(fwd.Payload) != "transit" {
		t.Errorf("payload = %q, want transit", fwd.Payload)
	}
}

func TestProcess_AckPrecedesForward(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(9, 5)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 9, []byte("transit"), true)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.tx.Len() != 2 {
		t.Fatalf("TX frames = %d, want ACK + forward", f.tx.Len())
	}
	ack := popFrame(t, f.tx)
	if !ack.Header.IsAck() {
		t.Fatal("first TX frame must be the ACK")
	}
	if ack.Header.ID != 100 {
		t.Errorf("ack id = %d, want the request's id 100", ack.Header.ID)
	}
	if ack.Header.DestAddr != 2 {
		t.Errorf("ack dest = %d, want the hop sender 2", ack.Header.DestAddr)
	}
	if ack.Header.IsAckRequired() {
		t.Error("ACK must not require an ACK")
	}

	fwd := popFrame(t, f.tx)
	if fwd.Header.IsAck() || fwd.Header.Type() != codec.TypeText {
		t.Errorf("second frame = %v, want forwarded TEXT", fwd.Header.Type())
	}
}

func TestProcess_ForwardWithoutRoute(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 9, []byte("transit"), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if got := f.proc.CountersSnapshot().BadRoutes; got != 1 {
		t.Errorf("BadRoutes = %d, want 1", got)
	}
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0", f.tx.Len())
	}
}

func TestProcess_DuplicateSuppressedButReacked(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(2, 2)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 1, []byte("hello"), true)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	// Same (origin, id) again: our ACK may have been lost.
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	acks := 0
	for f.tx.Len() > 0 {
		p := popFrame(t, f.tx)
		if p.Header.IsAck() {
			acks++
		}
	}
	if acks != 2 {
		t.Errorf("ACK frames = %d, want 2 (one per copy)", acks)
	}

	// The text itself was displayed only once.
	if got := strings.Count(f.console.String(), "hello"); got != 1 {
		t.Errorf("text displayed %d times, want 1", got)
	}
}

func TestProcess_DuplicateExpiresAfterWindow(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 1, []byte("hello"), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	f.clk.Advance(61_000)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if got := strings.Count(f.console.String(), "hello"); got != 2 {
		t.Errorf("text displayed %d times, want 2 after window expiry", got)
	}
}

func TestProcess_BroadcastServedNotForwarded(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(2, 2)

	pkt := makePacket(codec.TypeText, 100, 2, codec.AddrBroadcast, 2, codec.AddrBroadcast,
		[]byte("to all"), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0 (broadcast is never forwarded)", f.tx.Len())
	}
	if !strings.Contains(f.console.String(), "to all") {
		t.Error("broadcast text not served locally")
	}
}

// --- Local handlers ---

func TestProcess_PingReqAnswered(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)

	pkt := makePacket(codec.TypePingReq, 100, 3, 1, 7, 1, nil, false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	resp := popFrame(t, f.tx)
	if resp.Header.Type() != codec.TypePingResp {
		t.Errorf("type = %v, want PING_RESP", resp.Header.Type())
	}
	if resp.Header.DestAddr != 3 {
		t.Errorf("dest = %d, want first hop 3 toward origin 7", resp.Header.DestAddr)
	}
	if resp.Header.SourceAddr != 1 || resp.Header.FinalDestAddr != 7 {
		t.Errorf("response fields: src %d, finalDest %d", resp.Header.SourceAddr, resp.Header.FinalDestAddr)
	}
}

func TestProcess_PingReqNoReturnRoute(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.TypePingReq, 100, 3, 1, 7, 1, nil, false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if got := f.proc.CountersSnapshot().BadRoutes; got != 1 {
		t.Errorf("BadRoutes = %d, want 1", got)
	}
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0", f.tx.Len())
	}
}

func TestProcess_GetSedReqAnswered(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)
	f.clk.Advance(30_000) // 30s of uptime

	pkt := makePacket(codec.TypeGetSedReq, 100, 3, 1, 7, 1, nil, false)
	f.injectRx(t, pkt, -87)
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	resp := popFrame(t, f.tx)
	if resp.Header.Type() != codec.TypeGetSedResp {
		t.Fatalf("type = %v, want GETSED_RESP", resp.Header.Type())
	}
	data, err := codec.ParseEngineeringData(resp.Payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if data.BatteryMv != 3800 || data.PanelMv != 4000 {
		t.Errorf("voltages = %d/%d", data.BatteryMv, data.PanelMv)
	}
	if data.LastHopRssi != -87 {
		t.Errorf("lastHopRssi = %d, want -87", data.LastHopRssi)
	}
	if data.UptimeSeconds != 30 {
		t.Errorf("uptimeSeconds = %d, want 30", data.UptimeSeconds)
	}
	if data.RxPacketCount != 1 {
		t.Errorf("rxPacketCount = %d, want 1 (this request)", data.RxPacketCount)
	}
}

func TestProcess_SetRoutePacket(t *testing.T) {
	f := newFixture(t)

	req := codec.SetRouteReq{Passcode: 1234, TargetAddr: 8, NextHopAddr: 3}
	pkt := makePacket(codec.TypeSetRoute, 100, 2, 1, 2, 1, req.Encode(), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if got := f.routes.NextHop(8); got != 3 {
		t.Errorf("NextHop(8) = %d, want 3", got)
	}
}

func TestProcess_SetRouteBadPasscode(t *testing.T) {
	f := newFixture(t)

	req := codec.SetRouteReq{Passcode: 9999, TargetAddr: 8, NextHopAddr: 3}
	pkt := makePacket(codec.TypeSetRoute, 100, 2, 1, 2, 1, req.Encode(), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if got := f.routes.NextHop(8); got != route.NoRoute {
		t.Errorf("unauthorized SETROUTE applied: NextHop(8) = %d", got)
	}
}

func TestProcess_ResetPacket(t *testing.T) {
	f := newFixture(t)

	req := codec.ResetReq{Passcode: 1234}
	pkt := makePacket(codec.TypeReset, 100, 2, 1, 2, 1, req.Encode(), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if !f.inst.restarted {
		t.Error("authorized RESET did not restart")
	}
}

func TestProcess_ResetBadPasscode(t *testing.T) {
	f := newFixture(t)

	req := codec.ResetReq{Passcode: 1}
	pkt := makePacket(codec.TypeReset, 100, 2, 1, 2, 1, req.Encode(), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.inst.restarted {
		t.Error("unauthorized RESET restarted the node")
	}
}

func TestProcess_ResetCountersPacket(t *testing.T) {
	f := newFixture(t)

	// Accumulate a counter first.
	f.injectRxRaw(t, []byte{1, 2, 3})
	f.proc.Pump()
	if f.proc.CountersSnapshot().BadRxPackets != 1 {
		t.Fatal("setup: expected one bad packet")
	}

	req := codec.ResetReq{Passcode: 1234}
	pkt := makePacket(codec.TypeResetCounters, 100, 2, 1, 2, 1, req.Encode(), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	snap := f.proc.CountersSnapshot()
	if snap.BadRxPackets != 0 || snap.RxPackets != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}
	if f.inst.restarted {
		t.Error("RESET_COUNTERS must not restart")
	}
}

func TestProcess_GetRouteReqAnswered(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)
	f.routes.SetRoute(9, 5)

	req := codec.GetRouteReq{TargetAddr: 9}
	pkt := makePacket(codec.TypeGetRouteReq, 100, 3, 1, 7, 1, req.Encode(), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	resp := popFrame(t, f.tx)
	if resp.Header.Type() != codec.TypeGetRouteResp {
		t.Fatalf("type = %v, want GETROUTE_RESP", resp.Header.Type())
	}
	payload, err := codec.ParseGetRouteResp(resp.Payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.TargetAddr != 9 || payload.NextHopAddr != 5 {
		t.Errorf("payload = %+v, want target 9 nextHop 5", payload)
	}
}

func TestProcess_TextDisplayModes(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 1, []byte("hi there"), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if !strings.Contains(f.console.String(), "MSG: [W1XYZ,2] hi there") {
		t.Errorf("operator mode output = %q", f.console.String())
	}

	f.console.Reset()
	f.cfg.commandMode = 1
	pkt2 := makePacket(codec.TypeText, 101, 2, 1, 2, 1, []byte("hi again"), false)
	f.injectRx(t, pkt2, -80)
	f.proc.Pump()

	out := f.console.String()
	if !strings.Contains(out, "TEXT: {") || !strings.Contains(out, "\"text\": \"hi again\"") {
		t.Errorf("json mode output = %q", out)
	}
}

func TestProcess_UnknownTypeIgnored(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.MsgType(30), 100, 2, 1, 2, 1, nil, false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0", f.tx.Len())
	}
}

// --- OPM integration ---

func TestProcess_AckAndRetryLifecycle(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)

	if err := f.cmd.SendText(7, "need ack"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.proc.Pump()
	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want 1", f.tx.Len())
	}
	sent := popFrame(t, f.tx)
	if !sent.Header.IsAckRequired() {
		t.Fatal("unicast text should require an ACK")
	}

	// Retry interval elapses: a second copy appears.
	f.clk.Advance(2_000)
	f.proc.Pump()
	if f.tx.Len() != 1 {
		t.Fatalf("TX frames = %d, want retry copy", f.tx.Len())
	}
	retry := popFrame(t, f.tx)
	if retry.Header.ID != sent.Header.ID {
		t.Errorf("retry id = %d, want %d", retry.Header.ID, sent.Header.ID)
	}

	// The ACK arrives from the next hop; the pending slot frees within
	// the same pump.
	ack := codec.Packet{Header: codec.AckFor(&sent.Header, 3, codec.MakeCallSign("W1AW"))}
	f.injectRx(t, &ack, -80)
	f.proc.Pump()

	if got := f.proc.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d, want 0 after ACK", got)
	}

	// No further retries.
	f.clk.Advance(2_000)
	f.proc.Pump()
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0 after ACK", f.tx.Len())
	}
}

func TestProcess_DeliveryTimeout(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)

	if err := f.cmd.SendText(7, "doomed"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.clk.Advance(10_000)
	f.proc.Pump()

	if got := f.proc.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d, want 0 after timeout", got)
	}
	if got := f.proc.CountersSnapshot().TxTimeouts; got != 1 {
		t.Errorf("TxTimeouts = %d, want 1", got)
	}
}

// --- Loopback ---

func TestLoopback_ResetSelf(t *testing.T) {
	f := newFixture(t)

	if err := f.cmd.Reset(1); err != nil {
		t.Fatalf("reset self: %v", err)
	}

	// The packet went to RX, not to the OPM.
	if f.proc.PendingCount() != 0 {
		t.Error("loopback packet must not enter the OPM")
	}
	if f.tx.Len() != 0 {
		t.Errorf("TX frames = %d, want 0 before pump", f.tx.Len())
	}

	f.proc.Pump()

	if !f.inst.restarted {
		t.Error("loopback RESET not served in the same pump")
	}
}

func TestSecondsSinceLastRx(t *testing.T) {
	f := newFixture(t)

	pkt := makePacket(codec.TypeText, 100, 2, 1, 2, 1, []byte("x"), false)
	f.injectRx(t, pkt, -80)
	f.proc.Pump()

	f.clk.Advance(5_000)
	if got := f.proc.SecondsSinceLastRx(); got != 5 {
		t.Errorf("SecondsSinceLastRx = %d, want 5", got)
	}
}

// Every frame this node transmits carries its own address as the hop
// source.
func TestInvariant_TransmittedSourceIsSelf(t *testing.T) {
	f := newFixture(t)
	f.routes.SetRoute(7, 3)
	f.routes.SetRoute(9, 5)

	f.cmd.Ping(7)
	f.injectRx(t, makePacket(codec.TypeText, 50, 2, 1, 2, 9, []byte("fwd"), true), -80)
	f.injectRx(t, makePacket(codec.TypePingReq, 51, 3, 1, 7, 1, nil, true), -80)
	f.proc.Pump()

	for f.tx.Len() > 0 {
		p := popFrame(t, f.tx)
		if p.Header.SourceAddr != 1 {
			t.Errorf("transmitted %v with sourceAddr %d, want 1",
				p.Header.Type(), p.Header.SourceAddr)
		}
	}
}

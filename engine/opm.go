package engine

import (
	"log/slog"

	"github.com/wars-mesh/birdhouse-go/core/buffer"
	"github.com/wars-mesh/birdhouse-go/core/clock"
	"github.com/wars-mesh/birdhouse-go/core/codec"
)

const (
	// DefaultOpmSlots is the default number of concurrent pending sends.
	DefaultOpmSlots = 8
	// DefaultTxTimeoutMs is the default give-up horizon for a delivery.
	DefaultTxTimeoutMs = 10_000
	// DefaultTxRetryMs is the default interval between send attempts.
	DefaultTxRetryMs = 2_000
)

// opmSlot holds one pending delivery. The frame is stored encoded so a
// retry is a straight copy onto the TX ring.
type opmSlot struct {
	used        bool
	frame       [codec.MaxFrameSize]byte
	n           int
	id          uint16
	dest        codec.Addr
	firstSend   uint32
	lastAttempt uint32
	attempts    int
}

// OutboundPacketManager provides at-most-once delivery with bounded
// retry. Scheduled packets are emitted to the TX ring immediately;
// packets that require an ACK stay pending until the matching ACK
// arrives, the timeout passes, or the node gives up.
type OutboundPacketManager struct {
	clk       clock.Clock
	tx        *buffer.Ring
	log       *slog.Logger
	timeoutMs uint32
	retryMs   uint32
	slots     []opmSlot
	counters  *Counters
}

// NewOutboundPacketManager creates an OPM bound to a TX ring. timeoutMs
// and retryMs of zero select the defaults. counters may be nil.
func NewOutboundPacketManager(clk clock.Clock, tx *buffer.Ring, timeoutMs, retryMs uint32, slotCount int, counters *Counters, logger *slog.Logger) *OutboundPacketManager {
	if timeoutMs == 0 {
		timeoutMs = DefaultTxTimeoutMs
	}
	if retryMs == 0 {
		retryMs = DefaultTxRetryMs
	}
	if slotCount <= 0 {
		slotCount = DefaultOpmSlots
	}
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = &Counters{}
	}
	return &OutboundPacketManager{
		clk:       clk,
		tx:        tx,
		log:       logger.WithGroup("opm"),
		timeoutMs: timeoutMs,
		retryMs:   retryMs,
		slots:     make([]opmSlot, slotCount),
		counters:  counters,
	}
}

// Schedule queues a packet for transmission and emits the first attempt
// to the TX ring. Packets without the ACK-required flag are emitted and
// forgotten. Returns false when no slot is free (or, for fire-and-forget
// packets, when the TX ring is full).
func (o *OutboundPacketManager) Schedule(p *codec.Packet) bool {
	if !p.Header.IsAckRequired() {
		var scratch [codec.MaxFrameSize]byte
		n, err := p.Encode(scratch[:])
		if err != nil {
			o.log.Warn("unencodable packet dropped", "error", err)
			return false
		}
		return o.tx.Push(nil, scratch[:n])
	}

	slot := o.freeSlot()
	if slot == nil {
		return false
	}

	n, err := p.Encode(slot.frame[:])
	if err != nil {
		o.log.Warn("unencodable packet dropped", "error", err)
		return false
	}

	now := o.clk.Time()
	slot.used = true
	slot.n = n
	slot.id = p.Header.ID
	slot.dest = p.Header.DestAddr
	slot.firstSend = now
	slot.lastAttempt = now
	slot.attempts = 0

	// First attempt. A full TX ring defers to the next pump.
	if o.tx.Push(nil, slot.frame[:n]) {
		slot.attempts = 1
	}
	return true
}

// ProcessAck resolves the pending delivery matching an incoming ACK.
// The ACK's id was copied from our packet and its hop source is the
// node we sent to. Unmatched ACKs are dropped.
func (o *OutboundPacketManager) ProcessAck(h *codec.Header) {
	for i := range o.slots {
		s := &o.slots[i]
		if s.used && s.id == h.ID && s.dest == h.SourceAddr {
			o.log.Debug("delivery acknowledged",
				"id", s.id, "dest", uint16(s.dest), "attempts", s.attempts)
			s.used = false
			return
		}
	}
}

// Pump advances retries and expires stale deliveries.
func (o *OutboundPacketManager) Pump() {
	now := o.clk.Time()
	for i := range o.slots {
		s := &o.slots[i]
		if !s.used {
			continue
		}
		if now-s.firstSend >= o.timeoutMs {
			o.counters.TxTimeouts.Add(1)
			o.log.Warn("delivery timed out",
				"id", s.id, "dest", uint16(s.dest), "attempts", s.attempts)
			s.used = false
			continue
		}
		// attempts == 0 means the first emit found TX full at schedule time.
		if s.attempts == 0 || now-s.lastAttempt >= o.retryMs {
			if o.tx.Push(nil, s.frame[:s.n]) {
				s.lastAttempt = now
				s.attempts++
				o.log.Debug("retrying delivery",
					"id", s.id, "dest", uint16(s.dest), "attempt", s.attempts)
			}
			// TX full: stay pending, try again next pump.
		}
	}
}

// PendingCount returns the number of deliveries awaiting an ACK.
func (o *OutboundPacketManager) PendingCount() int {
	n := 0
	for i := range o.slots {
		if o.slots[i].used {
			n++
		}
	}
	return n
}

func (o *OutboundPacketManager) freeSlot() *opmSlot {
	for i := range o.slots {
		if !o.slots[i].used {
			return &o.slots[i]
		}
	}
	return nil
}

// Package codec defines the on-air packet model for the birdhouse mesh:
// addresses, call signs, the fixed header, typed payloads, and the serial
// bridge framing used between the host and the radio modem.
//
// All multi-byte integers are little-endian on the wire. The header is
// serialized without padding or reordering; a whole packet (header plus
// payload) never exceeds MaxFrameSize bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Addr is a 16-bit node address.
//
// 0 is unassigned/invalid, 0xFFFF is broadcast, 0xFFF0..0xFFFE are
// reserved for direct addressing (next hop == final destination), and
// 1..63 are normal nodes reachable through the routing table.
type Addr uint16

const (
	// AddrInvalid is the unassigned address.
	AddrInvalid Addr = 0
	// AddrBroadcast is accepted by every node and never forwarded.
	AddrBroadcast Addr = 0xFFFF
	// AddrDirectBase is the start of the self-routed special range.
	AddrDirectBase Addr = 0xFFF0
	// MaxRoutableAddr is the highest address the routing table covers.
	MaxRoutableAddr Addr = 63
)

// IsBroadcast reports whether the address is the broadcast address.
func (a Addr) IsBroadcast() bool {
	return a == AddrBroadcast
}

// IsSpecial reports whether the address is in the self-routed range,
// broadcast included.
func (a Addr) IsSpecial() bool {
	return a >= AddrDirectBase
}

// IsRoutable reports whether the address can appear in the routing table.
func (a Addr) IsRoutable() bool {
	return a >= 1 && a <= MaxRoutableAddr
}

// CallSign is a fixed-width amateur radio call sign: 8 ASCII bytes,
// space-padded, no terminator.
type CallSign [8]byte

// MakeCallSign builds a CallSign from a string, truncating or padding
// with spaces as needed.
func MakeCallSign(s string) CallSign {
	var c CallSign
	for i := range c {
		if i < len(s) {
			c[i] = s[i]
		} else {
			c[i] = ' '
		}
	}
	return c
}

// String returns the call sign with trailing padding removed.
func (c CallSign) String() string {
	return strings.TrimRight(string(c[:]), " ")
}

// MsgType is the 6-bit packet type code.
type MsgType uint8

const (
	TypePingReq       MsgType = 1
	TypePingResp      MsgType = 2
	TypeGetSedReq     MsgType = 3
	TypeGetSedResp    MsgType = 4
	TypeReset         MsgType = 5
	TypeText          MsgType = 6
	TypeSetRoute      MsgType = 7
	TypeGetRouteReq   MsgType = 8
	TypeGetRouteResp  MsgType = 9
	TypeResetCounters MsgType = 10
)

// String returns the protocol name of the type code.
func (t MsgType) String() string {
	switch t {
	case TypePingReq:
		return "PING_REQ"
	case TypePingResp:
		return "PING_RESP"
	case TypeGetSedReq:
		return "GETSED_REQ"
	case TypeGetSedResp:
		return "GETSED_RESP"
	case TypeReset:
		return "RESET"
	case TypeText:
		return "TEXT"
	case TypeSetRoute:
		return "SETROUTE"
	case TypeGetRouteReq:
		return "GETROUTE_REQ"
	case TypeGetRouteResp:
		return "GETROUTE_RESP"
	case TypeResetCounters:
		return "RESET_COUNTERS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	// ProtocolVersion is the only packet version this engine accepts.
	ProtocolVersion = 2

	// HeaderSize is the wire size of the fixed header.
	HeaderSize = 28

	// MaxFrameSize bounds a whole packet on the wire.
	MaxFrameSize = 256

	// MaxPayloadSize bounds the payload of a single packet.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	// Type byte layout: bit 7 ACK, bit 6 ACK-required, bits 0-5 type.
	flagAck         = 0x80
	flagAckRequired = 0x40
	typeMask        = 0x3F
)

var (
	ErrShortHeader   = errors.New("data shorter than header")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrShortBuffer   = errors.New("destination buffer too small")
)

// Header is the fixed per-packet header.
//
// SourceAddr and DestAddr name the current hop; OriginalSourceAddr and
// FinalDestAddr are preserved end-to-end across forwarding.
type Header struct {
	Version            uint8
	TypeFlags          uint8
	ID                 uint16
	SourceAddr         Addr
	DestAddr           Addr
	OriginalSourceAddr Addr
	FinalDestAddr      Addr
	SourceCall         CallSign
	OriginalSourceCall CallSign
}

// Type returns the type code with the flag bits stripped.
func (h *Header) Type() MsgType {
	return MsgType(h.TypeFlags & typeMask)
}

// SetType sets the type code, preserving the flag bits.
func (h *Header) SetType(t MsgType) {
	h.TypeFlags = (h.TypeFlags &^ typeMask) | (uint8(t) & typeMask)
}

// IsAck reports whether the ACK flag is set.
func (h *Header) IsAck() bool {
	return h.TypeFlags&flagAck != 0
}

// IsAckRequired reports whether the sender asked for a hop-level ACK.
func (h *Header) IsAckRequired() bool {
	return h.TypeFlags&flagAckRequired != 0
}

// SetAckRequired sets or clears the ACK-required flag.
func (h *Header) SetAckRequired(v bool) {
	if v {
		h.TypeFlags |= flagAckRequired
	} else {
		h.TypeFlags &^= flagAckRequired
	}
}

// ResponseRequired reports whether the type implies an end-to-end
// response back to the originator.
func (h *Header) ResponseRequired() bool {
	switch h.Type() {
	case TypePingReq, TypeGetSedReq, TypeGetRouteReq:
		return true
	}
	return false
}

// marshal writes the header into dst, which must hold HeaderSize bytes.
func (h *Header) marshal(dst []byte) {
	dst[0] = h.Version
	dst[1] = h.TypeFlags
	binary.LittleEndian.PutUint16(dst[2:4], h.ID)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(h.SourceAddr))
	binary.LittleEndian.PutUint16(dst[6:8], uint16(h.DestAddr))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(h.OriginalSourceAddr))
	binary.LittleEndian.PutUint16(dst[10:12], uint16(h.FinalDestAddr))
	copy(dst[12:20], h.SourceCall[:])
	copy(dst[20:28], h.OriginalSourceCall[:])
}

// unmarshal reads the header from src, which must hold HeaderSize bytes.
func (h *Header) unmarshal(src []byte) {
	h.Version = src[0]
	h.TypeFlags = src[1]
	h.ID = binary.LittleEndian.Uint16(src[2:4])
	h.SourceAddr = Addr(binary.LittleEndian.Uint16(src[4:6]))
	h.DestAddr = Addr(binary.LittleEndian.Uint16(src[6:8]))
	h.OriginalSourceAddr = Addr(binary.LittleEndian.Uint16(src[8:10]))
	h.FinalDestAddr = Addr(binary.LittleEndian.Uint16(src[10:12]))
	copy(h.SourceCall[:], src[12:20])
	copy(h.OriginalSourceCall[:], src[20:28])
}

// AckFor builds the hop-local acknowledgement for a received header:
// ACK flag set, ACK-required clear, id copied from the request, and the
// destination set to the hop that sent it.
func AckFor(req *Header, selfAddr Addr, selfCall CallSign) Header {
	return Header{
		Version:            ProtocolVersion,
		TypeFlags:          flagAck,
		ID:                 req.ID,
		SourceAddr:         selfAddr,
		DestAddr:           req.SourceAddr,
		OriginalSourceAddr: selfAddr,
		FinalDestAddr:      req.SourceAddr,
		SourceCall:         selfCall,
		OriginalSourceCall: selfCall,
	}
}

// ResponseFor builds the header of an end-to-end response to a request,
// routed back toward the request's originator via firstHop. Responses
// ask for a hop ACK unless the first hop is broadcast.
func ResponseFor(req *Header, t MsgType, id uint16, firstHop, selfAddr Addr, selfCall CallSign) Header {
	h := Header{
		Version:            ProtocolVersion,
		ID:                 id,
		SourceAddr:         selfAddr,
		DestAddr:           firstHop,
		OriginalSourceAddr: selfAddr,
		FinalDestAddr:      req.OriginalSourceAddr,
		SourceCall:         selfCall,
		OriginalSourceCall: selfCall,
	}
	h.SetType(t)
	h.SetAckRequired(!firstHop.IsBroadcast())
	return h
}

// Packet is a header plus payload. Packets are values: they are copied
// through the rings and their lifetime ends when the ring record is
// consumed.
type Packet struct {
	Header  Header
	Payload []byte
}

// Len returns the wire length of the packet.
func (p *Packet) Len() int {
	return HeaderSize + len(p.Payload)
}

// Encode writes the packet into dst and returns the number of bytes
// written.
func (p *Packet) Encode(dst []byte) (int, error) {
	n := p.Len()
	if n > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	p.Header.marshal(dst)
	copy(dst[HeaderSize:], p.Payload)
	return n, nil
}

// Marshal returns the packet's wire bytes in a fresh slice.
func (p *Packet) Marshal() ([]byte, error) {
	dst := make([]byte, p.Len())
	if _, err := p.Encode(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Decode parses a packet from wire bytes. The payload slice is filled by
// reusing p.Payload's capacity when possible, so a Packet may be decoded
// into repeatedly without allocating.
func (p *Packet) Decode(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortHeader
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	p.Header.unmarshal(data)
	p.Payload = append(p.Payload[:0], data[HeaderSize:]...)
	return nil
}

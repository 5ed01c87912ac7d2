package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BridgeMagic is the magic number that starts every serial bridge frame.
	BridgeMagic uint16 = 0xB1FD

	// BridgeSideSize is the RSSI sidechannel width inside a bridge frame.
	BridgeSideSize = 2

	// BridgeMaxBody is the maximum frame body: RSSI plus a whole packet.
	BridgeMaxBody = BridgeSideSize + MaxFrameSize

	// bridgeHeaderSize is magic (2) + body length (2).
	bridgeHeaderSize = 4

	// bridgeChecksumSize is the trailing Fletcher-16 checksum.
	bridgeChecksumSize = 2

	// BridgeMinFrame is the smallest prefix that can hold a frame header
	// and checksum.
	BridgeMinFrame = bridgeHeaderSize + bridgeChecksumSize
)

var (
	ErrBridgeFrameShort  = errors.New("bridge frame too short")
	ErrBridgeBadMagic    = errors.New("bad bridge frame magic")
	ErrBridgeBodyTooBig  = errors.New("bridge frame body exceeds maximum")
	ErrBridgeBadChecksum = errors.New("bridge frame checksum mismatch")
	ErrBridgeIncomplete  = errors.New("incomplete bridge frame")
)

// BridgeFrame is one decoded serial bridge frame: a received (or to be
// transmitted) packet plus its RSSI sidechannel.
//
// Wire format: [magic (2, BE)][body length (2, BE)][rssi (2, LE)]
// [packet bytes][fletcher16 (2, BE)]. The checksum covers the body
// (rssi + packet).
type BridgeFrame struct {
	Rssi   int16
	Packet []byte
}

// DecodeBridgeFrame decodes one frame from the front of data. Returns
// the frame and the bytes remaining after it. ErrBridgeIncomplete means
// the caller should wait for more data; any other error means the
// caller should resync past the bad prefix.
func DecodeBridgeFrame(data []byte) (*BridgeFrame, []byte, error) {
	if len(data) < BridgeMinFrame {
		return nil, data, ErrBridgeIncomplete
	}

	if binary.BigEndian.Uint16(data[0:2]) != BridgeMagic {
		return nil, data, ErrBridgeBadMagic
	}

	bodyLen := int(binary.BigEndian.Uint16(data[2:4]))
	if bodyLen > BridgeMaxBody {
		return nil, data, ErrBridgeBodyTooBig
	}
	if bodyLen < BridgeSideSize {
		return nil, data, ErrBridgeFrameShort
	}

	total := bridgeHeaderSize + bodyLen + bridgeChecksumSize
	if len(data) < total {
		return nil, data, ErrBridgeIncomplete
	}

	body := data[bridgeHeaderSize : bridgeHeaderSize+bodyLen]
	received := binary.BigEndian.Uint16(data[bridgeHeaderSize+bodyLen : total])
	if !ValidateChecksum(body, received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrBridgeBadChecksum, Fletcher16(body), received)
	}

	frame := &BridgeFrame{
		Rssi:   int16(binary.LittleEndian.Uint16(body[0:2])),
		Packet: make([]byte, bodyLen-BridgeSideSize),
	}
	copy(frame.Packet, body[BridgeSideSize:])

	return frame, data[total:], nil
}

// EncodeBridgeFrame encodes a packet and its RSSI into a bridge frame.
func EncodeBridgeFrame(rssi int16, packet []byte) ([]byte, error) {
	if len(packet) > MaxFrameSize {
		return nil, ErrBridgeBodyTooBig
	}

	bodyLen := BridgeSideSize + len(packet)
	frame := make([]byte, bridgeHeaderSize+bodyLen+bridgeChecksumSize)

	binary.BigEndian.PutUint16(frame[0:2], BridgeMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(bodyLen))
	binary.LittleEndian.PutUint16(frame[4:6], uint16(rssi))
	copy(frame[4+BridgeSideSize:], packet)

	body := frame[bridgeHeaderSize : bridgeHeaderSize+bodyLen]
	binary.BigEndian.PutUint16(frame[bridgeHeaderSize+bodyLen:], Fletcher16(body))

	return frame, nil
}

// FindBridgeMagic searches for the bridge magic bytes in data. Returns
// the index of the first byte of the magic, or -1 if not found.
func FindBridgeMagic(data []byte) int {
	hi := byte(BridgeMagic >> 8)
	lo := byte(BridgeMagic & 0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

package codec

import (
	"encoding/binary"
	"errors"
)

// Wire sizes of the typed payloads.
const (
	SetRouteReqSize     = 8
	GetRouteReqSize     = 2
	GetRouteRespSize    = 8
	ResetReqSize        = 4
	EngineeringDataSize = 34
)

var (
	ErrSetRouteReqTooShort  = errors.New("setroute request payload too short")
	ErrGetRouteReqTooShort  = errors.New("getroute request payload too short")
	ErrGetRouteRespTooShort = errors.New("getroute response payload too short")
	ErrResetReqTooShort     = errors.New("reset request payload too short")
	ErrEngDataTooShort      = errors.New("engineering data payload too short")
)

// SetRouteReq asks a node to store a routing table entry.
type SetRouteReq struct {
	Passcode    uint32
	TargetAddr  Addr
	NextHopAddr Addr
}

// Encode returns the wire bytes of the request.
func (r *SetRouteReq) Encode() []byte {
	data := make([]byte, SetRouteReqSize)
	binary.LittleEndian.PutUint32(data[0:4], r.Passcode)
	binary.LittleEndian.PutUint16(data[4:6], uint16(r.TargetAddr))
	binary.LittleEndian.PutUint16(data[6:8], uint16(r.NextHopAddr))
	return data
}

// ParseSetRouteReq decodes a SETROUTE payload.
func ParseSetRouteReq(data []byte) (SetRouteReq, error) {
	if len(data) < SetRouteReqSize {
		return SetRouteReq{}, ErrSetRouteReqTooShort
	}
	return SetRouteReq{
		Passcode:    binary.LittleEndian.Uint32(data[0:4]),
		TargetAddr:  Addr(binary.LittleEndian.Uint16(data[4:6])),
		NextHopAddr: Addr(binary.LittleEndian.Uint16(data[6:8])),
	}, nil
}

// GetRouteReq asks a node to report one routing table entry.
type GetRouteReq struct {
	TargetAddr Addr
}

// Encode returns the wire bytes of the request.
func (r *GetRouteReq) Encode() []byte {
	data := make([]byte, GetRouteReqSize)
	binary.LittleEndian.PutUint16(data[0:2], uint16(r.TargetAddr))
	return data
}

// ParseGetRouteReq decodes a GETROUTE_REQ payload.
func ParseGetRouteReq(data []byte) (GetRouteReq, error) {
	if len(data) < GetRouteReqSize {
		return GetRouteReq{}, ErrGetRouteReqTooShort
	}
	return GetRouteReq{
		TargetAddr: Addr(binary.LittleEndian.Uint16(data[0:2])),
	}, nil
}

// GetRouteResp reports one routing table entry.
//
// TxPacketCount and RxPacketCount are reserved for per-route traffic
// counters; senders currently leave them zero.
type GetRouteResp struct {
	TargetAddr    Addr
	NextHopAddr   Addr
	TxPacketCount uint16
	RxPacketCount uint16
}

// Encode returns the wire bytes of the response.
func (r *GetRouteResp) Encode() []byte {
	data := make([]byte, GetRouteRespSize)
	binary.LittleEndian.PutUint16(data[0:2], uint16(r.TargetAddr))
	binary.LittleEndian.PutUint16(data[2:4], uint16(r.NextHopAddr))
	binary.LittleEndian.PutUint16(data[4:6], r.TxPacketCount)
	binary.LittleEndian.PutUint16(data[6:8], r.RxPacketCount)
	return data
}

// ParseGetRouteResp decodes a GETROUTE_RESP payload.
func ParseGetRouteResp(data []byte) (GetRouteResp, error) {
	if len(data) < GetRouteRespSize {
		return GetRouteResp{}, ErrGetRouteRespTooShort
	}
	return GetRouteResp{
		TargetAddr:    Addr(binary.LittleEndian.Uint16(data[0:2])),
		NextHopAddr:   Addr(binary.LittleEndian.Uint16(data[2:4])),
		TxPacketCount: binary.LittleEndian.Uint16(data[4:6]),
		RxPacketCount: binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// ResetReq authorizes a RESET or RESET_COUNTERS command.
type ResetReq struct {
	Passcode uint32
}

// Encode returns the wire bytes of the request.
func (r *ResetReq) Encode() []byte {
	data := make([]byte, ResetReqSize)
	binary.LittleEndian.PutUint32(data[0:4], r.Passcode)
	return data
}

// ParseResetReq decodes a RESET/RESET_COUNTERS payload.
func ParseResetReq(data []byte) (ResetReq, error) {
	if len(data) < ResetReqSize {
		return ResetReq{}, ErrResetReqTooShort
	}
	return ResetReq{
		Passcode: binary.LittleEndian.Uint32(data[0:4]),
	}, nil
}

// EngineeringData is the station telemetry snapshot carried by a
// GETSED_RESP packet.
type EngineeringData struct {
	Version          uint16
	BatteryMv        uint16
	PanelMv          uint16
	UptimeSeconds    uint32
	Time             uint32
	BootCount        uint16
	SleepCount       uint16
	LastHopRssi      int16
	Temp             int16
	Humidity         int16
	DeviceClass      uint16
	DeviceRevision   uint16
	RxPacketCount    uint16
	BadRxPacketCount uint16
	BadRouteCount    uint16
}

// Encode returns the wire bytes of the snapshot.
func (d *EngineeringData) Encode() []byte {
	data := make([]byte, EngineeringDataSize)
	binary.LittleEndian.PutUint16(data[0:2], d.Version)
	binary.LittleEndian.PutUint16(data[2:4], d.BatteryMv)
	binary.LittleEndian.PutUint16(data[4:6], d.PanelMv)
	binary.LittleEndian.PutUint32(data[6:10], d.UptimeSeconds)
	binary.LittleEndian.PutUint32(data[10:14], d.Time)
	binary.LittleEndian.PutUint16(data[14:16], d.BootCount)
	binary.LittleEndian.PutUint16(data[16:18], d.SleepCount)
	binary.LittleEndian.PutUint16(data[18:20], uint16(d.LastHopRssi))
	binary.LittleEndian.PutUint16(data[20:22], uint16(d.Temp))
	binary.LittleEndian.PutUint16(data[22:24], uint16(d.Humidity))
	binary.LittleEndian.PutUint16(data[24:26], d.DeviceClass)
	binary.LittleEndian.PutUint16(data[26:28], d.DeviceRevision)
	binary.LittleEndian.PutUint16(data[28:30], d.RxPacketCount)
	binary.LittleEndian.PutUint16(data[30:32], d.BadRxPacketCount)
	binary.LittleEndian.PutUint16(data[32:34], d.BadRouteCount)
	return data
}

// ParseEngineeringData decodes a GETSED_RESP payload.
func ParseEngineeringData(data []byte) (EngineeringData, error) {
	if len(data) < EngineeringDataSize {
		return EngineeringData{}, ErrEngDataTooShort
	}
	return EngineeringData{
		Version:          binary.LittleEndian.Uint16(data[0:2]),
		BatteryMv:        binary.LittleEndian.Uint16(data[2:4]),
		PanelMv:          binary.LittleEndian.Uint16(data[4:6]),
		UptimeSeconds:    binary.LittleEndian.Uint32(data[6:10]),
		Time:             binary.LittleEndian.Uint32(data[10:14]),
		BootCount:        binary.LittleEndian.Uint16(data[14:16]),
		SleepCount:       binary.LittleEndian.Uint16(data[16:18]),
		LastHopRssi:      int16(binary.LittleEndian.Uint16(data[18:20])),
		Temp:             int16(binary.LittleEndian.Uint16(data[20:22])),
		Humidity:         int16(binary.LittleEndian.Uint16(data[22:24])),
		DeviceClass:      binary.LittleEndian.Uint16(data[24:26]),
		DeviceRevision:   binary.LittleEndian.Uint16(data[26:28]),
		RxPacketCount:    binary.LittleEndian.Uint16(data[28:30]),
		BadRxPacketCount: binary.LittleEndian.Uint16(data[30:32]),
		BadRouteCount:    binary.LittleEndian.Uint16(data[32:34]),
	}, nil
}

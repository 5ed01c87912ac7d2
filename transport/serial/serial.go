// Package serial provides the radio link for a LoRa modem attached over
// a serial port.
//
// The modem speaks the bridge framing from core/codec: each frame is a
// magic-prefixed, Fletcher-16-checksummed record carrying the RSSI of
// the received packet. The link assembles frames from the raw byte
// stream (resyncing past garbage) and pushes (rssi, packet) records
// into the RX ring; a drain loop moves TX ring records out to the
// modem.
package serial

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/wars-mesh/birdhouse-go/core/buffer"
	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultBaudRate is the default modem baud rate.
	DefaultBaudRate = 115200

	// DefaultDrainInterval is how often the TX ring is checked for
	// outbound frames.
	DefaultDrainInterval = 10 * time.Millisecond

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial radio link.
type Config struct {
	// Port is the serial port path (e.g. "/dev/ttyUSB0").
	Port string
	// BaudRate defaults to 115200.
	BaudRate int
	// Rx is the ring receiving (rssi, packet) records. Its sidechannel
	// width must be codec.BridgeSideSize.
	Rx *buffer.Ring
	// Tx is the ring of outbound packets.
	Tx *buffer.Ring
	// DrainInterval is the TX poll interval. Defaults to 10ms.
	DrainInterval time.Duration
	// Logger falls back to slog.Default().
	Logger *slog.Logger
}

// Link implements transport.Link over a serial port.
type Link struct {
	cfg  Config
	log  *slog.Logger
	mu   sync.RWMutex
	port serial.Port

	connected bool
	cancel    context.CancelFunc
	readDone  chan struct{}
	writeDone chan struct{}
}

// New creates a serial link with the given configuration.
func New(cfg Config) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Link{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the serial port and begins the read and drain loops.
func (l *Link) Start(ctx context.Context) error {
	if l.cfg.Port == "" {
		return errors.New("serial port is required")
	}
	if l.cfg.Rx == nil || l.cfg.Tx == nil {
		return errors.New("rx and tx rings are required")
	}
	if l.cfg.Rx.SideLen() != codec.BridgeSideSize {
		return fmt.Errorf("rx ring sidechannel must be %d bytes", codec.BridgeSideSize)
	}

	mode := &serial.Mode{BaudRate: l.cfg.BaudRate}
	port, err := serial.Open(l.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.port = port
	l.connected = true
	l.cancel = cancel
	l.readDone = make(chan struct{})
	l.writeDone = make(chan struct{})
	l.mu.Unlock()

	go l.readLoop(ctx)
	go l.drainLoop(ctx)

	l.log.Info("connected to radio modem", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
	return nil
}

// Stop closes the port and waits for both loops to finish.
func (l *Link) Stop() error {
	l.mu.Lock()
	cancel := l.cancel
	port := l.port
	readDone := l.readDone
	writeDone := l.writeDone
	l.port = nil
	l.connected = false
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if port != nil {
		err = port.Close()
	}
	if readDone != nil {
		<-readDone
	}
	if writeDone != nil {
		<-writeDone
	}
	return err
}

// IsConnected reports whether the serial port is open.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// readLoop assembles bridge frames from the serial byte stream and
// pushes their packets onto the RX ring.
func (l *Link) readLoop(ctx context.Context) {
	defer close(l.readDone)

	buf := make([]byte, readBufSize)
	var assembly []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.mu.RLock()
		port := l.port
		l.mu.RUnlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				l.handleDisconnect(err)
				return
			}
			l.log.Error("serial read error", "error", err)
			l.handleDisconnect(err)
			return
		}
		if n == 0 {
			continue
		}

		assembly = append(assembly, buf[:n]...)
		assembly = l.deliverFrames(assembly)
	}
}

// deliverFrames extracts complete bridge frames from data and pushes
// them onto the RX ring. Returns the bytes that do not yet form a
// complete frame.
func (l *Link) deliverFrames(data []byte) []byte {
	for len(data) >= codec.BridgeMinFrame {
		frame, remaining, err := codec.DecodeBridgeFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrBridgeIncomplete) {
				return data
			}
			// Bad frame: resync at the next magic.
			if idx := codec.FindBridgeMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}
		data = remaining

		var side [codec.BridgeSideSize]byte
		binary.LittleEndian.PutUint16(side[:], uint16(frame.Rssi))
		if !l.cfg.Rx.Push(side[:], frame.Packet) {
			l.log.Warn("rx ring full, frame dropped", "rssi", frame.Rssi)
		}
	}
	return data
}

// drainLoop moves outbound packets from the TX ring to the modem.
func (l *Link) drainLoop(ctx context.Context) {
	defer close(l.writeDone)

	ticker := time.NewTicker(l.cfg.DrainInterval)
	defer ticker.Stop()

	payload := make([]byte, buffer.MaxRecordPayload)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, ok := l.cfg.Tx.Pop(nil, payload)
				if !ok {
					break
				}
				if err := l.writeFrame(payload[:n]); err != nil {
					l.log.Error("serial write error", "error", err)
					l.handleDisconnect(err)
					return
				}
			}
		}
	}
}

func (l *Link) writeFrame(packet []byte) error {
	frame, err := codec.EncodeBridgeFrame(0, packet)
	if err != nil {
		return fmt.Errorf("encoding bridge frame: %w", err)
	}

	l.mu.RLock()
	port := l.port
	l.mu.RUnlock()
	if port == nil {
		return errors.New("port closed")
	}

	_, err = port.Write(frame)
	return err
}

func (l *Link) handleDisconnect(err error) {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()

	if err != nil {
		l.log.Error("serial disconnected", "error", err)
	}
}

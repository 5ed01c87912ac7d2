// Package mqtt provides a bench radio link that carries mesh frames
// over an MQTT broker instead of a real LoRa radio.
//
// Every frame is a msgpack envelope holding the sender's client id, a
// simulated RSSI, and the raw packet bytes, published to
// "{prefix}/{mesh}". All nodes in a virtual mesh share the topic; a
// node ignores its own publishes by origin id.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wars-mesh/birdhouse-go/core/buffer"
	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "birdhouse"

	// DefaultDrainInterval is how often the TX ring is checked for
	// outbound frames.
	DefaultDrainInterval = 10 * time.Millisecond
)

// envelope is the msgpack frame carried on the mesh topic.
type envelope struct {
	Origin string `msgpack:"origin"`
	Rssi   int16  `msgpack:"rssi"`
	Data   []byte `msgpack:"data"`
}

// Config holds the configuration for an MQTT bench link.
type Config struct {
	// Broker is the MQTT broker URL (e.g. "tcp://broker.example.com:1883").
	Broker string
	// Username and Password for broker authentication, if required.
	Username string
	Password string
	// UseTLS enables TLS for the broker connection.
	UseTLS bool
	// TopicPrefix defaults to "birdhouse".
	TopicPrefix string
	// Mesh identifies the virtual mesh; the link subscribes and
	// publishes on "{TopicPrefix}/{Mesh}".
	Mesh string
	// Rx is the ring receiving (rssi, packet) records.
	Rx *buffer.Ring
	// Tx is the ring of outbound packets.
	Tx *buffer.Ring
	// DrainInterval is the TX poll interval. Defaults to 10ms.
	DrainInterval time.Duration
	// Logger falls back to slog.Default().
	Logger *slog.Logger
}

// Link implements transport.Link over an MQTT broker.
type Link struct {
	cfg      Config
	log      *slog.Logger
	clientID string

	mu        sync.RWMutex
	client    paho.Client
	connected bool
	cancel    context.CancelFunc
	drainDone chan struct{}
}

// New creates an MQTT bench link with the given configuration.
func New(cfg Config) *Link {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Link{
		cfg:      cfg,
		log:      cfg.Logger.WithGroup("mqtt"),
		clientID: "birdhouse-" + uuid.NewString(),
	}
}

// Start connects to the broker and begins moving frames.
func (l *Link) Start(ctx context.Context) error {
	if l.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if l.cfg.Mesh == "" {
		return errors.New("mesh name is required")
	}
	if l.cfg.Rx == nil || l.cfg.Tx == nil {
		return errors.New("rx and tx rings are required")
	}
	if l.cfg.Rx.SideLen() != codec.BridgeSideSize {
		return fmt.Errorf("rx ring sidechannel must be %d bytes", codec.BridgeSideSize)
	}

	opts := paho.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(l.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(l.onConnected).
		SetConnectionLostHandler(l.onConnectionLost)

	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
	}
	if l.cfg.Password != "" {
		opts.SetPassword(l.cfg.Password)
	}
	if l.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := paho.NewClient(opts)

	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.client = client
	l.cancel = cancel
	l.drainDone = make(chan struct{})
	l.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		cancel()
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		cancel()
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	go l.drainLoop(ctx)
	return nil
}

// Stop disconnects from the broker and stops the drain loop.
func (l *Link) Stop() error {
	l.mu.Lock()
	cancel := l.cancel
	client := l.client
	drainDone := l.drainDone
	l.cancel = nil
	l.connected = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if drainDone != nil {
		<-drainDone
	}
	if client != nil {
		client.Disconnect(1000)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected && l.client != nil && l.client.IsConnected()
}

func (l *Link) topic() string {
	return l.cfg.TopicPrefix + "/" + l.cfg.Mesh
}

func (l *Link) onConnected(_ paho.Client) {
	l.mu.Lock()
	l.connected = true
	client := l.client
	l.mu.Unlock()

	client.Subscribe(l.topic(), 0, l.handleMessage)
	l.log.Info("connected to broker", "broker", l.cfg.Broker, "topic", l.topic())
}

func (l *Link) onConnectionLost(_ paho.Client, err error) {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	l.log.Error("broker connection lost", "error", err)
}

// handleMessage delivers one received envelope to the RX ring.
func (l *Link) handleMessage(_ paho.Client, message paho.Message) {
	var env envelope
	if err := msgpack.Unmarshal(message.Payload(), &env); err != nil {
		l.log.Debug("undecodable envelope dropped", "error", err)
		return
	}
	if env.Origin == l.clientID {
		return // our own publish
	}
	l.deliver(&env)
}

func (l *Link) deliver(env *envelope) {
	if len(env.Data) == 0 || len(env.Data) > codec.MaxFrameSize {
		l.log.Debug("envelope with bad frame size dropped", "len", len(env.Data))
		return
	}
	var side [codec.BridgeSideSize]byte
	binary.LittleEndian.PutUint16(side[:], uint16(env.Rssi))
	if !l.cfg.Rx.Push(side[:], env.Data) {
		l.log.Warn("rx ring full, frame dropped")
	}
}

// drainLoop publishes outbound packets from the TX ring.
func (l *Link) drainLoop(ctx context.Context) {
	defer close(l.drainDone)

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
				if err := l.publish(payload[:n]); err != nil {
					l.log.Warn("publish failed, frame dropped", "error", err)
				}
			}
		}
	}
}

func (l *Link) publish(packet []byte) error {
	env := envelope{Origin: l.clientID, Rssi: 0, Data: packet}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	l.mu.RLock()
	client := l.client
	connected := l.connected
	l.mu.RUnlock()
	if !connected || client == nil {
		return errors.New("not connected")
	}

	token := client.Publish(l.topic(), 0, false, data)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

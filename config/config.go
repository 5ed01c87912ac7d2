// Package config loads and validates the node's YAML configuration and
// implements the engine's Configuration port.
//
// Passcodes may be stored either in the clear (bench setups) or as a
// hex-encoded BLAKE2s-256 digest of the passcode's little-endian bytes,
// so a captured config file does not leak the mesh's admin secret.
package config

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2s"
	"gopkg.in/yaml.v3"

	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/core/route"
)

// DefaultBatteryLimit is the shutdown threshold in millivolts when the
// config does not set one.
const DefaultBatteryLimit = 3400

var (
	ErrNoAddr  = errors.New("config: addr is required and must be 1..63")
	ErrNoCall  = errors.New("config: call is required")
	ErrBadHash = errors.New("config: passcode_hash is not a hex BLAKE2s-256 digest")
)

// Radio selects and configures the radio link.
type Radio struct {
	// Driver is "serial" (LoRa modem on a serial port) or "mqtt"
	// (bench bridge over a broker).
	Driver string `yaml:"driver"`

	// Serial driver settings.
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// MQTT driver settings.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mesh     string `yaml:"mesh"`
}

// Node is the on-disk node configuration. It implements
// engine.Configuration.
type Node struct {
	NodeAddr uint16 `yaml:"addr"`
	NodeCall string `yaml:"call"`

	// PasscodePlain is the admin secret, used both for outgoing remote
	// commands and (absent a hash) for verifying inbound ones.
	PasscodePlain uint32 `yaml:"passcode"`
	// PasscodeHash, when set, is the hex BLAKE2s-256 digest inbound
	// passcodes are verified against.
	PasscodeHash string `yaml:"passcode_hash"`

	Level       int    `yaml:"log_level"`
	Mode        int    `yaml:"command_mode"`
	BatteryMv   uint16 `yaml:"battery_limit"`
	Boots       uint16 `yaml:"boot_count"`
	Sleeps      uint16 `yaml:"sleep_count"`
	TxTimeoutMs uint32 `yaml:"tx_timeout_ms"`
	TxRetryMs   uint32 `yaml:"tx_retry_ms"`
	PumpMs      uint32 `yaml:"pump_interval_ms"`

	// Routes preloads the routing table: target -> next hop.
	StaticRoutes map[uint16]uint16 `yaml:"routes"`

	Radio Radio `yaml:"radio"`

	hash []byte
}

// Load reads and validates a node configuration from a YAML file.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a node configuration from YAML bytes.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func (n *Node) validate() error {
	if !codec.Addr(n.NodeAddr).IsRoutable() {
		return ErrNoAddr
	}
	if n.NodeCall == "" {
		return ErrNoCall
	}
	if n.PasscodeHash != "" {
		h, err := hex.DecodeString(n.PasscodeHash)
		if err != nil || len(h) != blake2s.Size {
			return ErrBadHash
		}
		n.hash = h
	}
	return nil
}

// Addr returns the node's own address.
func (n *Node) Addr() codec.Addr {
	return codec.Addr(n.NodeAddr)
}

// Call returns the node's call sign, space padded.
func (n *Node) Call() codec.CallSign {
	return codec.MakeCallSign(n.NodeCall)
}

// BatteryLimit returns the shutdown threshold in millivolts.
func (n *Node) BatteryLimit() uint16 {
	if n.BatteryMv == 0 {
		return DefaultBatteryLimit
	}
	return n.BatteryMv
}

// BootCount returns the persisted boot counter.
func (n *Node) BootCount() uint16 { return n.Boots }

// SleepCount returns the persisted sleep counter.
func (n *Node) SleepCount() uint16 { return n.Sleeps }

// LogLevel returns the configured diagnostic level.
func (n *Node) LogLevel() int { return n.Level }

// CommandMode returns the console rendering mode.
func (n *Node) CommandMode() int { return n.Mode }

// Passcode returns the admin secret sent with remote commands.
func (n *Node) Passcode() uint32 { return n.PasscodePlain }

// CheckPasscode verifies an inbound admin passcode against the stored
// digest, falling back to the plain passcode when no digest is set.
func (n *Node) CheckPasscode(passcode uint32) bool {
	if n.hash != nil {
		digest := HashPasscode(passcode)
		return subtle.ConstantTimeCompare(digest[:], n.hash) == 1
	}
	return passcode == n.PasscodePlain
}

// ApplyRoutes preloads a routing table with the configured static
// routes.
func (n *Node) ApplyRoutes(t route.Table) {
	for target, nextHop := range n.StaticRoutes {
		t.SetRoute(codec.Addr(target), codec.Addr(nextHop))
	}
}

// HashPasscode computes the BLAKE2s-256 digest of a passcode's
// little-endian bytes, as stored in passcode_hash.
func HashPasscode(passcode uint32) [blake2s.Size]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], passcode)
	return blake2s.Sum256(b[:])
}

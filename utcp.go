// Package utcp runs a user-space TCP endpoint over a point-to-point frame
// device such as a Linux TUN interface. An Engine reads raw IPv4 packets
// off the device, answers ICMP echo, and performs the passive side of the
// TCP three-way handshake, tracking every flow in RFC 793 terms.
package utcp

import (
	"log/slog"

	"github.com/tinyrange/utcp/internal/engine"
	"github.com/tinyrange/utcp/internal/tun"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Engine runs the TCP state machines for one frame device.
type Engine = engine.Engine

// Config carries the optional knobs of an Engine. The zero value is usable.
type Config = engine.Config

// Device is the frame transport an Engine runs on.
type Device = engine.Device

// TUN is a Linux TUN interface usable as a Device.
type TUN = tun.Device

// Pipe is an in-memory Device for tests and embedding.
type Pipe = tun.Pipe

// Common sentinel errors.
var (
	// ErrHandshakeViolation reports a peer that answered a SYN+ACK with an
	// otherwise acceptable segment that carries no ACK flag.
	ErrHandshakeViolation = engine.ErrHandshakeViolation

	// ErrDeviceClosed is returned by Device reads and writes after Close.
	ErrDeviceClosed = tun.ErrClosed
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New builds an Engine over dev. A nil logger falls back to slog.Default.
// Call Run to start processing and Close to stop.
func New(dev Device, cfg Config, logger *slog.Logger) (*Engine, error) {
	return engine.New(dev, cfg, logger)
}

// OpenTUN opens the named Linux TUN interface, creating it when it does not
// exist. With packetInfo set, frames carry a 4-byte flags/EtherType prefix.
func OpenTUN(name string, mtu int, packetInfo bool) (*TUN, error) {
	return tun.Open(name, mtu, packetInfo)
}

// NewPipe returns an in-memory frame device. Tests and embedders inject
// inbound frames with Inject and observe engine output on Outbound.
func NewPipe(mtu int, packetInfo bool) *Pipe {
	return tun.NewPipe(mtu, packetInfo)
}

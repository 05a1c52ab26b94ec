// Package engine implements a user-space TCP endpoint over a point-to-point
// frame device such as a Linux TUN interface.
//
// The engine owns the whole inbound path: it reads raw IPv4 packets off the
// device, validates them, demultiplexes TCP segments onto per-flow state
// machines keyed by address quad, and performs the passive side of the
// RFC 793 three-way handshake. It also answers ICMP echo so the link can be
// pinged.
//
// Goals:
//
//   - Deterministic single-goroutine segment processing. One frame is
//     carried to completion before the next is read; flows never race.
//   - Strict ingress validation. Header bounds, fragmentation and both the
//     IPv4 and TCP checksums are checked before any state is touched.
//   - Faithful RFC 793 acceptance guards on the circular sequence space,
//     including the four-case receive-window admission table.
//
// Limitations:
//
//   - Passive open only. The engine never initiates a connection, and data
//     transfer and teardown past the handshake are not implemented.
//   - IPv4 only, with no fragment reassembly and no IP options
//     interpretation beyond skipping them.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// minMTU is the smallest device MTU the engine accepts, the RFC 791
// minimum an IPv4 host must handle unfragmented.
const minMTU = 68

// Device is the frame transport the engine runs on. The two implementations
// are the Linux TUN interface and the in-memory pipe in internal/tun.
type Device interface {
	// ReadFrame blocks for the next frame and copies it into buf.
	ReadFrame(buf []byte) (int, error)
	// WriteFrame transmits one frame.
	WriteFrame(frame []byte) (int, error)
	// PacketInfo reports whether frames carry the 4-byte flags/EtherType
	// prefix.
	PacketInfo() bool
	Name() string
	MTU() int
	// Close releases the device and unblocks a pending ReadFrame.
	Close() error
}

// Config carries the optional knobs of an Engine. The zero value is usable.
type Config struct {
	// MaxConns caps the connection table. Zero means unlimited. At the cap
	// new SYNs are dropped without a reply; existing flows are untouched.
	MaxConns int

	// ISS overrides the initial send sequence number generator, primarily
	// for tests. Nil selects the RFC 793 4 µs clock.
	ISS func() uint32
}

type engineStats struct {
	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	segments   atomic.Uint64
	accepts    atomic.Uint64
	drops      atomic.Uint64
	skips      atomic.Uint64
	resets     atomic.Uint64
	violations atomic.Uint64
	refused    atomic.Uint64
	echoes     atomic.Uint64
}

// Engine runs the TCP state machines for one frame device.
type Engine struct {
	log *slog.Logger
	dev Device
	mtu int

	iss      func() uint32
	maxConns int

	// connsMu orders the ingestion goroutine against status snapshots; the
	// table itself is only ever mutated by Run.
	connsMu sync.Mutex
	conns   map[quad]*conn

	txBuf []byte

	closed    atomic.Bool
	startedAt time.Time

	captureMu sync.Mutex
	capture   captureWriter

	statusMu     sync.Mutex
	statusServer *statusServer

	stats engineStats
}

// New builds an Engine over dev. A nil logger falls back to slog.Default.
func New(dev Device, cfg Config, logger *slog.Logger) (*Engine, error) {
	if dev == nil {
		return nil, errors.New("engine: nil device")
	}
	if logger == nil {
		logger = slog.Default()
	}
	mtu := dev.MTU()
	if mtu < minMTU {
		return nil, fmt.Errorf("engine: device MTU %d below minimum %d", mtu, minMTU)
	}
	iss := cfg.ISS
	if iss == nil {
		iss = clockISS
	}
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("engine: negative connection limit %d", cfg.MaxConns)
	}

	return &Engine{
		log:       logger,
		dev:       dev,
		mtu:       mtu,
		iss:       iss,
		maxConns:  cfg.MaxConns,
		conns:     make(map[quad]*conn),
		txBuf:     make([]byte, packetInfoLen+mtu),
		startedAt: time.Now(),
	}, nil
}

// clockISS derives an initial send sequence number from the 4 µs clock of
// RFC 793, so sequence numbers from successive incarnations do not collide.
func clockISS() uint32 {
	return uint32(time.Now().UnixMicro() / 4)
}

////////////////////////////////////////////////////////////////////////////////
// Ingestion loop.
////////////////////////////////////////////////////////////////////////////////

// Run reads frames until the device fails or Close is called. Each frame is
// processed to completion before the next read; malformed and unacceptable
// traffic is logged and survived, and only device I/O failures end the
// loop. Returns nil after Close.
func (e *Engine) Run() error {
	buf := make([]byte, packetInfoLen+e.mtu)

	e.log.Info("engine: running",
		"iface", e.dev.Name(),
		"mtu", e.mtu,
		"packetInfo", e.dev.PacketInfo())

	for {
		n, err := e.dev.ReadFrame(buf)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return fmt.Errorf("engine: read frame: %w", err)
		}
		if err := e.handleFrame(buf[:n]); err != nil {
			if e.closed.Load() {
				return nil
			}
			return err
		}
	}
}

// handleFrame carries one frame through prefix handling, header validation
// and demultiplexing. The returned error is always a device write failure;
// every protocol-level problem is disposed of here.
func (e *Engine) handleFrame(frame []byte) error {
	e.stats.framesIn.Add(1)

	pkt := frame
	if e.dev.PacketInfo() {
		if len(frame) < packetInfoLen {
			e.stats.drops.Add(1)
			e.log.Warn("engine: drop truncated frame", "len", len(frame))
			return nil
		}
		et := etherType(binary.BigEndian.Uint16(frame[2:4]))
		if et != etherTypeIPv4 {
			e.stats.skips.Add(1)
			e.log.Debug("engine: skip frame", "etherType", et)
			return nil
		}
		pkt = frame[packetInfoLen:]
	}
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		// The kernel pushes IPv6 housekeeping through the interface even
		// when nothing configured it.
		e.stats.skips.Add(1)
		e.log.Debug("engine: skip ipv6 packet")
		return nil
	}

	e.writeCapture(pkt)

	iph, err := parseIPv4Header(pkt)
	if err != nil {
		e.stats.drops.Add(1)
		e.log.Warn("ipv4: drop malformed packet", "err", err, "len", len(pkt))
		return nil
	}

	switch iph.protocol {
	case icmpProtocolNumber:
		return e.handleICMP(iph)
	case tcpProtocolNumber:
	default:
		e.stats.skips.Add(1)
		e.log.Debug("engine: skip packet", "protocol", iph.protocol, "src", ip4String(iph.src))
		return nil
	}

	tcph, err := parseTCPHeader(iph.payload)
	if err != nil {
		e.stats.drops.Add(1)
		e.log.Warn("tcp: drop malformed segment", "err", err, "src", ip4String(iph.src))
		return nil
	}
	if !verifyTCPChecksum(iph.src, iph.dst, iph.payload) {
		e.stats.drops.Add(1)
		e.log.Warn("tcp: drop segment with bad checksum",
			"src", ip4String(iph.src),
			"srcPort", tcph.srcPort,
			"dstPort", tcph.dstPort)
		return nil
	}

	return e.demux(iph, tcph)
}

// demux routes one verified segment to its flow, creating a flow for an
// unsolicited SYN.
func (e *Engine) demux(iph ipv4Header, tcph tcpHeader) error {
	e.stats.segments.Add(1)
	q := quadFromHeaders(iph, tcph)

	e.connsMu.Lock()
	defer e.connsMu.Unlock()

	c, ok := e.conns[q]
	if !ok {
		if tcph.flags&tcpFlagSYN != 0 && e.maxConns > 0 && len(e.conns) >= e.maxConns {
			e.stats.refused.Add(1)
			e.log.Warn("tcp: connection table full, dropping syn",
				"quad", q, "conns", len(e.conns), "max", e.maxConns)
			return nil
		}
		nc, err := accept(e, e.iss(), e.mtu, iph, tcph)
		if err != nil {
			return err
		}
		if nc == nil {
			e.log.Debug("tcp: ignore segment for unknown flow", "quad", q, "flags", fmt.Sprintf("0x%02x", tcph.flags))
			return nil
		}
		e.conns[q] = nc
		e.stats.accepts.Add(1)
		e.log.Info("tcp: accepted connection",
			"quad", q, "state", nc.state, "iss", nc.snd.iss, "irs", nc.rcv.irs)
		return nil
	}

	out, err := c.handleSegment(e, tcph)
	if err != nil {
		if errors.Is(err, ErrHandshakeViolation) {
			e.stats.violations.Add(1)
			e.log.Error("tcp: handshake violation", "quad", q, "state", c.state, "err", err)
			return nil
		}
		return err
	}

	switch out {
	case outcomeReset:
		e.stats.resets.Add(1)
		e.log.Debug("tcp: rejected segment with rst",
			"quad", q, "state", c.state, "seq", tcph.seq, "ack", tcph.ack)
	case outcomeEstablished:
		e.log.Info("tcp: connection established", "quad", q)
	case outcomeUnsupported:
		e.log.Debug("tcp: segment for unimplemented state", "quad", q, "state", c.state)
	case outcomeDrop, outcomeNone:
		e.log.Debug("tcp: dropped segment", "quad", q, "state", c.state)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Transmit path.
////////////////////////////////////////////////////////////////////////////////

// sendIPv4Packet implements packetSender over the frame device, restoring
// the packet-info prefix when the device expects one.
func (e *Engine) sendIPv4Packet(pkt []byte) error {
	e.writeCapture(pkt)

	frame := pkt
	if e.dev.PacketInfo() {
		if packetInfoLen+len(pkt) > len(e.txBuf) {
			return fmt.Errorf("engine: outbound packet of %d bytes exceeds mtu %d", len(pkt), e.mtu)
		}
		binary.BigEndian.PutUint16(e.txBuf[0:2], 0)
		binary.BigEndian.PutUint16(e.txBuf[2:4], uint16(etherTypeIPv4))
		n := copy(e.txBuf[packetInfoLen:], pkt)
		frame = e.txBuf[:packetInfoLen+n]
	}

	if _, err := e.dev.WriteFrame(frame); err != nil {
		return fmt.Errorf("engine: write frame: %w", err)
	}
	e.stats.framesOut.Add(1)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle.
////////////////////////////////////////////////////////////////////////////////

// Close shuts the engine down: the status listener stops, the device is
// closed and a blocked Run returns nil. Safe to call more than once.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.closeStatusServer()
	e.captureMu.Lock()
	e.capture = nil
	e.captureMu.Unlock()
	return e.dev.Close()
}

// ConnCount returns the number of flows in the table.
func (e *Engine) ConnCount() int {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	return len(e.conns)
}

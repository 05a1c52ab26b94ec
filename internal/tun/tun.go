// Package tun provides frame devices for the TCP engine: a Linux TUN
// interface and an in-memory pipe for tests.
//
// A TUN device is a point-to-point L3 interface; each read or write moves
// exactly one IP packet. Depending on how the device was opened, the kernel
// prefixes every packet with a 4-byte packet-info header (2 bytes of flags,
// 2 bytes of EtherType); the engine's ingestion loop owns interpreting that
// prefix. Interface addressing and bring-up stay outside this package
// (ip addr / ip link), matching how the device is meant to be operated.
package tun

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// PacketInfoLen is the size of the optional packet-info prefix on TUN
// frames: 2 bytes of flags followed by a big-endian EtherType.
const PacketInfoLen = 4

// ErrClosed is returned by device operations after Close.
var ErrClosed = errors.New("tun: device closed")

// Device is a TUN interface backed by an open file descriptor. The fd is
// registered with the runtime poller, so a blocking ReadFrame is unblocked
// by Close.
type Device struct {
	file       *os.File
	name       string
	mtu        int
	packetInfo bool
	closed     atomic.Bool
}

// ReadFrame reads one frame into buf and returns its length. The buffer
// should hold MTU bytes plus PacketInfoLen when packet-info framing is on;
// the kernel silently truncates frames that do not fit.
func (d *Device) ReadFrame(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		if d.closed.Load() {
			return 0, ErrClosed
		}
		return 0, err
	}
	return n, nil
}

// WriteFrame writes one frame. The caller includes the packet-info prefix
// when the device was opened with packet-info framing.
func (d *Device) WriteFrame(frame []byte) (int, error) {
	n, err := d.file.Write(frame)
	if err != nil {
		if d.closed.Load() {
			return 0, ErrClosed
		}
		return 0, err
	}
	return n, nil
}

// Name returns the interface name as reported by the kernel.
func (d *Device) Name() string { return d.name }

// MTU returns the MTU the device was opened with. It is advisory: keep it
// in sync with the interface configuration (ip link set dev ... mtu).
func (d *Device) MTU() int { return d.mtu }

// PacketInfo reports whether frames carry the 4-byte packet-info prefix.
func (d *Device) PacketInfo() bool { return d.packetInfo }

// Close closes the device, unblocking any in-flight ReadFrame.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.file.Close()
}

////////////////////////////////////////////////////////////////////////////////
// In-memory pipe device.
////////////////////////////////////////////////////////////////////////////////

// Pipe is an in-memory frame device. The engine side uses the ReadFrame /
// WriteFrame half; a test harness injects inbound frames with Inject and
// drains outbound frames from Outbound. Frames are copied on both paths, so
// callers may reuse their buffers.
type Pipe struct {
	name       string
	mtu        int
	packetInfo bool

	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe returns a pipe device with the given MTU and framing mode.
func NewPipe(mtu int, packetInfo bool) *Pipe {
	return &Pipe{
		name:       "pipe0",
		mtu:        mtu,
		packetInfo: packetInfo,
		inbound:    make(chan []byte, 1024),
		outbound:   make(chan []byte, 1024),
		closed:     make(chan struct{}),
	}
}

// ReadFrame blocks until a frame is injected or the pipe is closed.
func (p *Pipe) ReadFrame(buf []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	select {
	case frame := <-p.inbound:
		if len(frame) > len(buf) {
			return 0, fmt.Errorf("tun: frame of %d bytes exceeds read buffer of %d", len(frame), len(buf))
		}
		return copy(buf, frame), nil
	case <-p.closed:
		return 0, ErrClosed
	}
}

// WriteFrame queues one outbound frame for the harness side.
func (p *Pipe) WriteFrame(frame []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	out := append([]byte(nil), frame...)
	select {
	case p.outbound <- out:
		return len(frame), nil
	case <-p.closed:
		return 0, ErrClosed
	}
}

// Inject delivers one frame to the engine side.
func (p *Pipe) Inject(frame []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	in := append([]byte(nil), frame...)
	select {
	case p.inbound <- in:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Outbound exposes the frames the engine has written.
func (p *Pipe) Outbound() <-chan []byte { return p.outbound }

// Name returns the fixed pipe name.
func (p *Pipe) Name() string { return p.name }

// MTU returns the MTU the pipe was created with.
func (p *Pipe) MTU() int { return p.mtu }

// PacketInfo reports whether frames carry the packet-info prefix.
func (p *Pipe) PacketInfo() bool { return p.packetInfo }

// Close unblocks both sides. It is safe to call more than once.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *Pipe) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

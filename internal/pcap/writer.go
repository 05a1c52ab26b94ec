// Package pcap writes classic libpcap capture streams.
//
// Only the legacy microsecond-resolution format is produced (magic
// 0xa1b2c3d4, version 2.4): a 24-byte global header followed by 16-byte
// per-packet record headers. That is enough for tcpdump and wireshark to
// open captures of the raw IP traffic crossing a TUN interface.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Link-layer (DLT) identifiers for the global header, matching the
// tcpdump/libpcap registry.
const (
	// LinkTypeEthernet frames start with a 14-byte Ethernet header.
	LinkTypeEthernet uint32 = 1
	// LinkTypeRaw frames are bare IPv4/IPv6 packets, as read from a TUN
	// device with the packet-info prefix stripped.
	LinkTypeRaw uint32 = 101
)

// DefaultSnapLen is the per-packet capture limit used when callers have no
// reason to pick another; large enough for a full MTU-sized frame plus any
// encapsulation this project produces.
const DefaultSnapLen uint32 = 8192

var (
	// ErrHeaderAlreadyWritten indicates WriteFileHeader was called twice on
	// the same Writer.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten indicates a packet was written before the global
	// header.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
)

// CaptureInfo is the metadata serialized into a packet record header.
// Timestamp is truncated to microsecond resolution on the wire.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits one libpcap stream to an underlying io.Writer. It performs no
// buffering or locking of its own; callers serialize access and own the
// lifetime of the destination.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

// NewWriter wraps out. WriteFileHeader must be called once before any
// packets are written.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global pcap header with the given
// snap length and link type. It must be called exactly once per Writer.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // Major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // Minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WriteFrame records one packet observed at ts, truncating it to the
// writer's snap length the way a live capture would. The full original
// length is still recorded in the packet header.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	capLen := len(frame)
	if w.snapLen != 0 && capLen > int(w.snapLen) {
		capLen = int(w.snapLen)
	}
	return w.WritePacket(CaptureInfo{
		Timestamp:     ts,
		CaptureLength: capLen,
		Length:        len(frame),
	}, frame)
}

// WritePacket appends one packet record. The CaptureInfo must be internally
// consistent: CaptureLength may not exceed the data buffer, the snap length,
// or the representable uint32 range.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	if ci.CaptureLength < 0 || ci.Length < 0 {
		return fmt.Errorf("pcap: negative length (capture %d, original %d)", ci.CaptureLength, ci.Length)
	}
	if ci.CaptureLength > len(data) {
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	}
	if ci.CaptureLength > math.MaxUint32 || ci.Length > math.MaxUint32 {
		return fmt.Errorf("pcap: length overflows uint32 (capture %d, original %d)", ci.CaptureLength, ci.Length)
	}
	if w.snapLen != 0 && uint32(ci.CaptureLength) > w.snapLen {
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", ci.CaptureLength, w.snapLen)
	}

	var tsSec, tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ci.CaptureLength))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if ci.CaptureLength == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:ci.CaptureLength]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

package engine

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

////////////////////////////////////////////////////////////////////////////////
// Protocol constants.
////////////////////////////////////////////////////////////////////////////////

type etherType uint16

// EtherTypes seen in the packet-info prefix of TUN frames.
const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeIPv6 etherType = 0x86DD
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// IPv4 Protocol field values the engine cares about.
const (
	icmpProtocolNumber protocolNumber = 1
	tcpProtocolNumber  protocolNumber = 6
)

func (p protocolNumber) String() string {
	switch p {
	case icmpProtocolNumber:
		return "icmp"
	case tcpProtocolNumber:
		return "tcp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// Header sizes (bytes). Maximums include options.
const (
	ipv4HeaderLen = 20
	ipv4HeaderMax = 60
	tcpHeaderLen  = 20
	tcpHeaderMax  = 60

	// packetInfoLen is the optional TUN prefix: 2 bytes of flags and a
	// big-endian EtherType.
	packetInfoLen = 4
)

// TCP header flags (low byte of the flags field).
const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
	tcpFlagURG = 0x20
)

func ip4String(a [4]byte) string {
	return netip.AddrFrom4(a).String()
}

////////////////////////////////////////////////////////////////////////////////
// IPv4 header parsing and construction.
////////////////////////////////////////////////////////////////////////////////

type ipv4Header struct {
	headerLen int
	totalLen  int
	ttl       uint8
	protocol  protocolNumber
	checksum  uint16
	src       [4]byte
	dst       [4]byte
	payload   []byte
}

// parseIPv4Header decodes and validates the outer IPv4 header. The returned
// payload slice aliases data. Fragments are rejected: the engine does not
// reassemble.
func parseIPv4Header(data []byte) (ipv4Header, error) {
	var h ipv4Header
	if len(data) < ipv4HeaderLen {
		return h, fmt.Errorf("ipv4: truncated header: %d bytes", len(data))
	}
	if version := data[0] >> 4; version != 4 {
		return h, fmt.Errorf("ipv4: unexpected version %d", version)
	}
	h.headerLen = int(data[0]&0x0f) * 4
	if h.headerLen < ipv4HeaderLen || h.headerLen > ipv4HeaderMax {
		return h, fmt.Errorf("ipv4: bad header length %d", h.headerLen)
	}
	if h.headerLen > len(data) {
		return h, fmt.Errorf("ipv4: header length %d exceeds packet of %d bytes", h.headerLen, len(data))
	}
	h.totalLen = int(binary.BigEndian.Uint16(data[2:4]))
	if h.totalLen < h.headerLen || h.totalLen > len(data) {
		return h, fmt.Errorf("ipv4: bad total length %d (header %d, packet %d)", h.totalLen, h.headerLen, len(data))
	}
	if frag := binary.BigEndian.Uint16(data[6:8]); frag&0x2000 != 0 || frag&0x1fff != 0 {
		return h, fmt.Errorf("ipv4: fragmented packet (flags/offset 0x%04x)", frag)
	}
	if ipv4Checksum(data[:h.headerLen]) != 0 {
		return h, fmt.Errorf("ipv4: bad header checksum")
	}
	h.ttl = data[8]
	h.protocol = protocolNumber(data[9])
	h.checksum = binary.BigEndian.Uint16(data[10:12])
	copy(h.src[:], data[12:16])
	copy(h.dst[:], data[16:20])
	h.payload = data[h.headerLen:h.totalLen]
	return h, nil
}

// buildIPv4HeaderInto writes a 20-byte IPv4 header for a payload of
// payloadLen bytes into the front of packet.
func buildIPv4HeaderInto(packet []byte, src, dst [4]byte, protocol protocolNumber, payloadLen int) {
	if len(packet) < ipv4HeaderLen {
		panic("buildIPv4HeaderInto: buffer too small")
	}
	totalLen := ipv4HeaderLen + payloadLen

	packet[0] = byte((4 << 4) | (ipv4HeaderLen / 4)) // Version/IHL
	packet[1] = 0                                    // TOS
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(packet[4:6], 0) // ID
	binary.BigEndian.PutUint16(packet[6:8], 0) // Flags/FragOff
	packet[8] = 64                             // TTL
	packet[9] = byte(protocol)
	binary.BigEndian.PutUint16(packet[10:12], 0)
	copy(packet[12:16], src[:])
	copy(packet[16:20], dst[:])

	check := ipv4Checksum(packet[:ipv4HeaderLen])
	binary.BigEndian.PutUint16(packet[10:12], check)
}

////////////////////////////////////////////////////////////////////////////////
// TCP header parsing.
////////////////////////////////////////////////////////////////////////////////

type tcpHeader struct {
	srcPort   uint16
	dstPort   uint16
	seq       uint32
	ack       uint32
	headerLen int
	flags     uint8
	window    uint16
	checksum  uint16
	options   []byte
	payload   []byte
}

// parseTCPHeader decodes a TCP header from the front of an IPv4 payload.
// The options and payload slices alias data.
func parseTCPHeader(data []byte) (tcpHeader, error) {
	var h tcpHeader
	if len(data) < tcpHeaderLen {
		return h, fmt.Errorf("tcp: truncated header: %d bytes", len(data))
	}
	h.headerLen = int(data[12]>>4) * 4
	if h.headerLen < tcpHeaderLen || h.headerLen > tcpHeaderMax {
		return h, fmt.Errorf("tcp: bad data offset %d", h.headerLen)
	}
	if h.headerLen > len(data) {
		return h, fmt.Errorf("tcp: data offset %d exceeds segment of %d bytes", h.headerLen, len(data))
	}
	h.srcPort = binary.BigEndian.Uint16(data[0:2])
	h.dstPort = binary.BigEndian.Uint16(data[2:4])
	h.seq = binary.BigEndian.Uint32(data[4:8])
	h.ack = binary.BigEndian.Uint32(data[8:12])
	h.flags = data[13]
	h.window = binary.BigEndian.Uint16(data[14:16])
	h.checksum = binary.BigEndian.Uint16(data[16:18])
	h.options = data[tcpHeaderLen:h.headerLen]
	h.payload = data[h.headerLen:]
	return h, nil
}

// segmentLen is the sequence-space length of the segment: payload bytes
// plus one each for SYN and FIN, which occupy sequence numbers.
func (h tcpHeader) segmentLen() uint32 {
	l := uint32(len(h.payload))
	if h.flags&tcpFlagSYN != 0 {
		l++
	}
	if h.flags&tcpFlagFIN != 0 {
		l++
	}
	return l
}

// tcpOptions holds the option values the engine records from a SYN.
type tcpOptions struct {
	mss         uint16
	hasMSS      bool
	wndScale    uint8
	hasWndScale bool
}

// parseTCPOptions walks a TCP options block, extracting MSS and window
// scale. Unknown options are skipped by their length; malformed trailers
// end the walk.
func parseTCPOptions(data []byte) tcpOptions {
	var opts tcpOptions
	for i := 0; i < len(data); {
		kind := data[i]
		switch kind {
		case 0: // End of option list
			return opts
		case 1: // NOP
			i++
			continue
		}
		if i+1 >= len(data) {
			return opts
		}
		length := int(data[i+1])
		if length < 2 || i+length > len(data) {
			return opts
		}
		switch kind {
		case 2: // MSS
			if length == 4 {
				opts.mss = binary.BigEndian.Uint16(data[i+2 : i+4])
				opts.hasMSS = true
			}
		case 3: // Window scale
			if length == 3 {
				opts.wndScale = data[i+2]
				opts.hasWndScale = true
			}
		}
		i += length
	}
	return opts
}

////////////////////////////////////////////////////////////////////////////////
// Internet checksums.
////////////////////////////////////////////////////////////////////////////////

// checksum computes the RFC 1071 Internet checksum of data.
func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

// checksumWithInitial folds data into a running one's-complement sum and
// returns the final complemented checksum. A valid checksummed region folds
// to zero.
func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// ipv4Checksum computes the IPv4 header checksum; a header with a correct
// embedded checksum yields zero.
func ipv4Checksum(header []byte) uint16 {
	return checksum(header)
}

// pseudoHeaderChecksum returns the partial sum of the IPv4 pseudo-header
// (source, destination, zero, protocol, upper-layer length) used by TCP and
// UDP checksums.
func pseudoHeaderChecksum(src, dst [4]byte, protocol protocolNumber, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// tcpChecksum computes the TCP checksum over the pseudo-header and the full
// segment (header plus payload). The segment's checksum field must be zero
// when computing, or left in place when verifying.
func tcpChecksum(src, dst [4]byte, segment []byte) uint16 {
	ps := pseudoHeaderChecksum(src, dst, tcpProtocolNumber, len(segment))
	return checksumWithInitial(segment, ps)
}

// verifyTCPChecksum reports whether a received segment's embedded checksum
// is consistent with its contents and pseudo-header.
func verifyTCPChecksum(src, dst [4]byte, segment []byte) bool {
	return tcpChecksum(src, dst, segment) == 0
}

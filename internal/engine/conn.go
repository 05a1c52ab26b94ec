package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/utcp/internal/seq"
)

// ErrHandshakeViolation reports a peer that answered our SYN+ACK with a
// segment that passed both acceptance guards but carries no ACK flag. The
// flow stays in its table entry; the caller decides how loudly to complain.
var ErrHandshakeViolation = errors.New("tcp: peer violated handshake: expected ACK completing passive open")

////////////////////////////////////////////////////////////////////////////////
// Connection identity.
////////////////////////////////////////////////////////////////////////////////

// quad identifies one TCP flow from the engine's point of view: the local
// (our) address and port first, the remote peer second.
type quad struct {
	localIP    [4]byte
	remoteIP   [4]byte
	localPort  uint16
	remotePort uint16
}

// quadFromHeaders derives the flow key for an inbound segment. The packet's
// destination is our local side.
func quadFromHeaders(iph ipv4Header, tcph tcpHeader) quad {
	return quad{
		localIP:    iph.dst,
		remoteIP:   iph.src,
		localPort:  tcph.dstPort,
		remotePort: tcph.srcPort,
	}
}

func (q quad) String() string {
	return fmt.Sprintf("%s:%d<-%s:%d", ip4String(q.localIP), q.localPort, ip4String(q.remoteIP), q.remotePort)
}

////////////////////////////////////////////////////////////////////////////////
// Connection state.
////////////////////////////////////////////////////////////////////////////////

type connState int

const (
	stateClosed connState = iota
	stateListen
	stateSynRcvd
	stateSynSent
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateClosing
	stateTimeWait
	stateCloseWait
	stateLastAck
)

func (s connState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateListen:
		return "listen"
	case stateSynRcvd:
		return "syn-rcvd"
	case stateSynSent:
		return "syn-sent"
	case stateEstablished:
		return "established"
	case stateFinWait1:
		return "fin-wait-1"
	case stateFinWait2:
		return "fin-wait-2"
	case stateClosing:
		return "closing"
	case stateTimeWait:
		return "time-wait"
	case stateCloseWait:
		return "close-wait"
	case stateLastAck:
		return "last-ack"
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// synchronized reports whether the flow has left the handshake states.
// Unacceptable segments on a synchronized flow draw a RST; before that the
// engine stays silent.
func (s connState) synchronized() bool {
	switch s {
	case stateListen, stateSynSent, stateSynRcvd:
		return false
	}
	return true
}

////////////////////////////////////////////////////////////////////////////////
// Sequence spaces.
////////////////////////////////////////////////////////////////////////////////

// sendSpace tracks our transmit sequence numbers (RFC 793 SND.*):
//
//	una  oldest unacknowledged byte
//	nxt  next sequence number to send
//	wnd  peer's advertised receive window
//	wl1  segment sequence of the last window update
//	wl2  segment ack of the last window update
//	iss  our initial send sequence number
type sendSpace struct {
	una uint32
	nxt uint32
	wnd uint16
	wl1 uint32
	wl2 uint32
	iss uint32
}

// recvSpace tracks the peer's sequence numbers (RFC 793 RCV.*):
//
//	irs  peer's initial sequence number
//	nxt  next sequence number we expect
//	wnd  window we advertise back
type recvSpace struct {
	irs uint32
	nxt uint32
	wnd uint16
}

////////////////////////////////////////////////////////////////////////////////
// Segment outcomes.
////////////////////////////////////////////////////////////////////////////////

// outcome describes what processing one segment did to a flow.
type outcome uint8

const (
	// outcomeDrop: the segment was discarded without a reply.
	outcomeDrop outcome = iota
	// outcomeReset: the segment failed an acceptance guard on a
	// synchronized flow and drew a RST.
	outcomeReset
	// outcomeNone: nothing to do in this state.
	outcomeNone
	// outcomeEstablished: the handshake completed.
	outcomeEstablished
	// outcomeUnsupported: the segment is valid but targets a state the
	// engine does not implement past the handshake.
	outcomeUnsupported
)

func (o outcome) String() string {
	switch o {
	case outcomeDrop:
		return "drop"
	case outcomeReset:
		return "reset"
	case outcomeNone:
		return "none"
	case outcomeEstablished:
		return "established"
	case outcomeUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("unknown outcome %d", uint8(o))
}

////////////////////////////////////////////////////////////////////////////////
// Connection.
////////////////////////////////////////////////////////////////////////////////

// packetSender transmits one fully serialized IPv4 packet toward the peer.
// The Engine implements it over the frame device; tests substitute a
// recorder.
type packetSender interface {
	sendIPv4Packet(pkt []byte) error
}

// ipv4Template carries the constant outbound header fields for one flow.
type ipv4Template struct {
	src [4]byte
	dst [4]byte
}

// conn is the per-flow state machine. All methods run on the engine's
// single ingestion goroutine.
type conn struct {
	q     quad
	state connState
	snd   sendSpace
	rcv   recvSpace

	// tmpl and scratch are reused for every segment this flow emits.
	tmpl    ipv4Template
	scratch []byte

	createdAt time.Time

	// Peer options recorded from the opening SYN, for observability only.
	peerMSS      uint16
	peerWndScale uint8
	hasWndScale  bool

	segs uint64
	rsts uint64
}

// accept is the passive-open entry point. Given a segment addressed to a
// flow with no table entry it creates a connection in syn-rcvd and answers
// with SYN+ACK, taking the peer's sequence and window numbers from the SYN.
// A non-SYN segment returns (nil, nil): unknown flows that are not opening
// get no state and no reply.
func accept(tx packetSender, iss uint32, mtu int, iph ipv4Header, tcph tcpHeader) (*conn, error) {
	if tcph.flags&tcpFlagSYN == 0 {
		return nil, nil
	}

	c := &conn{
		q:     quadFromHeaders(iph, tcph),
		state: stateSynRcvd,
		snd: sendSpace{
			una: iss,
			nxt: iss,
			wnd: tcph.window,
			iss: iss,
		},
		rcv: recvSpace{
			irs: tcph.seq,
			nxt: seq.Add(tcph.seq, 1),
			wnd: tcph.window,
		},
		tmpl:      ipv4Template{src: iph.dst, dst: iph.src},
		scratch:   make([]byte, mtu),
		createdAt: time.Now(),
	}

	opts := parseTCPOptions(tcph.options)
	if opts.hasMSS {
		c.peerMSS = opts.mss
	}
	if opts.hasWndScale {
		c.peerWndScale = opts.wndScale
		c.hasWndScale = true
	}

	// The SYN+ACK consumes one sequence number, leaving snd.nxt at iss+1.
	if _, err := c.send(tx, tcpFlagSYN|tcpFlagACK, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// handleSegment runs one inbound segment through the acceptance guards and
// the per-state dispatch. Both guards run before any state logic, so a
// stray ack number is caught even on segments without the ACK flag.
func (c *conn) handleSegment(tx packetSender, tcph tcpHeader) (outcome, error) {
	c.segs++

	// An acceptable ack acknowledges something we have actually sent:
	// snd.una < SEG.ACK <= snd.nxt on the circular space.
	if !seq.Between(seq.Add(c.snd.una, 1), c.snd.nxt, tcph.ack) {
		return c.rejectSegment(tx)
	}
	if !c.segmentValid(tcph) {
		return c.rejectSegment(tx)
	}

	switch c.state {
	case stateClosed, stateListen:
		return outcomeNone, nil
	case stateSynRcvd:
		if tcph.flags&tcpFlagACK == 0 {
			return outcomeDrop, ErrHandshakeViolation
		}
		c.state = stateEstablished
		return outcomeEstablished, nil
	default:
		return outcomeUnsupported, nil
	}
}

// rejectSegment applies the guard-failure disposition: synchronized flows
// answer with a RST, unsynchronized flows drop silently.
func (c *conn) rejectSegment(tx packetSender) (outcome, error) {
	if !c.state.synchronized() {
		return outcomeDrop, nil
	}
	if err := c.sendReset(tx); err != nil {
		return outcomeReset, err
	}
	return outcomeReset, nil
}

// segmentValid implements the RFC 793 receive-window admission table. The
// segment length counts SYN and FIN along with the payload.
//
//	len=0 wnd=0  acceptable only when seq == rcv.nxt
//	len=0 wnd>0  seq must fall in [rcv.nxt, rcv.nxt+wnd-1]
//	len>0 wnd=0  never acceptable
//	len>0 wnd>0  first or last occupied sequence number must fall in window
func (c *conn) segmentValid(tcph tcpHeader) bool {
	slen := tcph.segmentLen()
	wnd := uint32(c.rcv.wnd)
	switch {
	case slen == 0 && wnd == 0:
		return tcph.seq == c.rcv.nxt
	case slen == 0:
		wndEnd := seq.Sub(seq.Add(c.rcv.nxt, wnd), 1)
		return seq.Between(c.rcv.nxt, wndEnd, tcph.seq)
	case wnd == 0:
		return false
	default:
		wndEnd := seq.Sub(seq.Add(c.rcv.nxt, wnd), 1)
		return seq.Between(c.rcv.nxt, wndEnd, tcph.seq) ||
			seq.Between(c.rcv.nxt, wndEnd, seq.Add(tcph.seq, slen-1))
	}
}

// send serializes one segment into the flow's scratch buffer and transmits
// it. The sequence number comes from snd.nxt and the ack field from
// rcv.nxt; after a successful transmit snd.nxt advances by the payload
// length plus one for each of SYN and FIN. Returns the packet size in
// bytes.
func (c *conn) send(tx packetSender, flags uint8, payload []byte) (int, error) {
	total := ipv4HeaderLen + tcpHeaderLen + len(payload)
	if total > len(c.scratch) {
		return 0, fmt.Errorf("tcp: segment of %d bytes exceeds buffer of %d", total, len(c.scratch))
	}

	buildIPv4HeaderInto(c.scratch, c.tmpl.src, c.tmpl.dst, tcpProtocolNumber, tcpHeaderLen+len(payload))

	seg := c.scratch[ipv4HeaderLen:total]
	binary.BigEndian.PutUint16(seg[0:2], c.q.localPort)
	binary.BigEndian.PutUint16(seg[2:4], c.q.remotePort)
	binary.BigEndian.PutUint32(seg[4:8], c.snd.nxt)
	binary.BigEndian.PutUint32(seg[8:12], c.rcv.nxt)
	seg[12] = (tcpHeaderLen / 4) << 4
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], c.snd.wnd)
	binary.BigEndian.PutUint16(seg[16:18], 0) // checksum, patched below
	binary.BigEndian.PutUint16(seg[18:20], 0) // urgent pointer
	copy(seg[tcpHeaderLen:], payload)

	check := tcpChecksum(c.tmpl.src, c.tmpl.dst, seg)
	binary.BigEndian.PutUint16(seg[16:18], check)

	if err := tx.sendIPv4Packet(c.scratch[:total]); err != nil {
		return 0, err
	}

	advance := uint32(len(payload))
	if flags&tcpFlagSYN != 0 {
		advance++
	}
	if flags&tcpFlagFIN != 0 {
		advance++
	}
	c.snd.nxt = seq.Add(c.snd.nxt, advance)
	return total, nil
}

// sendReset emits an empty RST carrying seq = snd.nxt. A RST occupies no
// sequence space, so snd.nxt is unchanged.
func (c *conn) sendReset(tx packetSender) error {
	if _, err := c.send(tx, tcpFlagRST, nil); err != nil {
		return err
	}
	c.rsts++
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Observability.
////////////////////////////////////////////////////////////////////////////////

// connSnapshot is the JSON shape of one flow in the status report.
type connSnapshot struct {
	Quad         string  `json:"quad"`
	State        string  `json:"state"`
	AgeSeconds   float64 `json:"age_seconds"`
	SndUna       uint32  `json:"snd_una"`
	SndNxt       uint32  `json:"snd_nxt"`
	SndWnd       uint16  `json:"snd_wnd"`
	ISS          uint32  `json:"iss"`
	RcvNxt       uint32  `json:"rcv_nxt"`
	RcvWnd       uint16  `json:"rcv_wnd"`
	IRS          uint32  `json:"irs"`
	PeerMSS      uint16  `json:"peer_mss,omitempty"`
	PeerWndScale uint8   `json:"peer_wnd_scale,omitempty"`
	Segments     uint64  `json:"segments"`
	Resets       uint64  `json:"resets"`
}

func (c *conn) snapshot(now time.Time) connSnapshot {
	s := connSnapshot{
		Quad:       c.q.String(),
		State:      c.state.String(),
		AgeSeconds: now.Sub(c.createdAt).Seconds(),
		SndUna:     c.snd.una,
		SndNxt:     c.snd.nxt,
		SndWnd:     c.snd.wnd,
		ISS:        c.snd.iss,
		RcvNxt:     c.rcv.nxt,
		RcvWnd:     c.rcv.wnd,
		IRS:        c.rcv.irs,
		PeerMSS:    c.peerMSS,
		Segments:   c.segs,
		Resets:     c.rsts,
	}
	if c.hasWndScale {
		s.PeerWndScale = c.peerWndScale
	}
	return s
}

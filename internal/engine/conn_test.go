package engine

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// frameRecorder captures everything a flow transmits. Scratch buffers are
// reused between sends, so packets are cloned on the way in.
type frameRecorder struct {
	packets  [][]byte
	failWith error
}

func (r *frameRecorder) sendIPv4Packet(pkt []byte) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.packets = append(r.packets, bytes.Clone(pkt))
	return nil
}

func (r *frameRecorder) lastPacket(tb testing.TB) []byte {
	tb.Helper()
	if len(r.packets) == 0 {
		tb.Fatalf("expected at least one transmitted packet")
	}
	return r.packets[len(r.packets)-1]
}

// synSegment builds the parsed form of a bare SYN the way the demultiplexer
// would hand it to accept.
func synSegment(seqNum uint32, window uint16) (ipv4Header, tcpHeader) {
	iph := ipv4Header{
		protocol: tcpProtocolNumber,
		src:      testRemoteIP,
		dst:      testLocalIP,
	}
	tcph := tcpHeader{
		srcPort: 44017,
		dstPort: 8080,
		seq:     seqNum,
		flags:   tcpFlagSYN,
		window:  window,
	}
	return iph, tcph
}

func newEstablishedConn(snd sendSpace, rcv recvSpace) *conn {
	return &conn{
		q: quad{
			localIP:    testLocalIP,
			remoteIP:   testRemoteIP,
			localPort:  8080,
			remotePort: 44017,
		},
		state:   stateEstablished,
		snd:     snd,
		rcv:     rcv,
		tmpl:    ipv4Template{src: testLocalIP, dst: testRemoteIP},
		scratch: make([]byte, 1500),
	}
}

func TestAcceptHandshake(t *testing.T) {
	const iss = 5000
	rec := &frameRecorder{}
	iph, tcph := synSegment(1000, 4096)

	c, err := accept(rec, iss, 1500, iph, tcph)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c == nil {
		t.Fatalf("expected a connection for a syn")
	}

	if c.state != stateSynRcvd {
		t.Errorf("expected state syn-rcvd, got %v", c.state)
	}
	if c.rcv.irs != 1000 || c.rcv.nxt != 1001 || c.rcv.wnd != 4096 {
		t.Errorf("expected rcv {irs:1000 nxt:1001 wnd:4096}, got %+v", c.rcv)
	}
	if c.snd.iss != iss || c.snd.una != iss || c.snd.nxt != iss+1 {
		t.Errorf("expected snd {iss:%d una:%d nxt:%d}, got %+v", iss, iss, iss+1, c.snd)
	}
	if c.snd.wnd != 4096 {
		t.Errorf("expected snd.wnd 4096, got %d", c.snd.wnd)
	}

	if len(rec.packets) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(rec.packets))
	}
	replyIP, reply := mustParseSegment(t, rec.packets[0])
	if replyIP.src != testLocalIP || replyIP.dst != testRemoteIP {
		t.Errorf("expected reply %v -> %v, got %v -> %v", testLocalIP, testRemoteIP, replyIP.src, replyIP.dst)
	}
	if reply.flags != tcpFlagSYN|tcpFlagACK {
		t.Errorf("expected syn+ack, got flags 0x%02x", reply.flags)
	}
	if reply.seq != iss {
		t.Errorf("expected seq %d, got %d", iss, reply.seq)
	}
	if reply.ack != 1001 {
		t.Errorf("expected ack 1001, got %d", reply.ack)
	}
	if reply.window != 4096 {
		t.Errorf("expected window 4096, got %d", reply.window)
	}
	if reply.srcPort != 8080 || reply.dstPort != 44017 {
		t.Errorf("expected ports 8080->44017, got %d->%d", reply.srcPort, reply.dstPort)
	}
	if len(reply.options) != 0 || len(reply.payload) != 0 {
		t.Errorf("expected bare syn+ack, got %d option and %d payload bytes", len(reply.options), len(reply.payload))
	}
	if !verifyTCPChecksum(replyIP.src, replyIP.dst, replyIP.payload) {
		t.Errorf("expected valid tcp checksum on reply")
	}
}

// The reply must also decode cleanly under an independent implementation.
func TestAcceptReplyDecodesWithGopacket(t *testing.T) {
	rec := &frameRecorder{}
	iph, tcph := synSegment(1000, 4096)
	if _, err := accept(rec, 0, 1500, iph, tcph); err != nil {
		t.Fatalf("accept: %v", err)
	}

	pkt := gopacket.NewPacket(rec.lastPacket(t), layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("gopacket decode: %v", errLayer.Error())
	}
	tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatalf("expected a tcp layer")
	}
	if !tcpLayer.SYN || !tcpLayer.ACK || tcpLayer.RST || tcpLayer.FIN {
		t.Errorf("expected syn+ack flags, got %+v", tcpLayer)
	}
	if tcpLayer.Seq != 0 {
		t.Errorf("expected seq 0, got %d", tcpLayer.Seq)
	}
	if tcpLayer.Ack != 1001 {
		t.Errorf("expected ack 1001, got %d", tcpLayer.Ack)
	}
}

func TestAcceptIgnoresNonSYN(t *testing.T) {
	rec := &frameRecorder{}
	iph, tcph := synSegment(1000, 4096)
	tcph.flags = tcpFlagACK
	tcph.ack = 1

	c, err := accept(rec, 0, 1500, iph, tcph)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c != nil {
		t.Fatalf("expected no connection for a non-syn segment, got %+v", c)
	}
	if len(rec.packets) != 0 {
		t.Fatalf("expected no reply, got %d packets", len(rec.packets))
	}
}

func TestAcceptRecordsPeerOptions(t *testing.T) {
	rec := &frameRecorder{}
	iph, tcph := synSegment(1000, 4096)
	tcph.options = []byte{2, 4, 0x05, 0xb4, 1, 3, 3, 7}

	c, err := accept(rec, 0, 1500, iph, tcph)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c.peerMSS != 1460 {
		t.Errorf("expected peer mss 1460, got %d", c.peerMSS)
	}
	if !c.hasWndScale || c.peerWndScale != 7 {
		t.Errorf("expected peer window scale 7, got %+v", c)
	}
}

func TestAcceptPropagatesSendFailure(t *testing.T) {
	rec := &frameRecorder{failWith: errors.New("device gone")}
	iph, tcph := synSegment(1000, 4096)

	if _, err := accept(rec, 0, 1500, iph, tcph); err == nil {
		t.Fatalf("expected accept to surface the transmit failure")
	}
}

func TestHandshakeCompletes(t *testing.T) {
	const iss = 3_000_000
	rec := &frameRecorder{}
	iph, tcph := synSegment(1000, 4096)

	c, err := accept(rec, iss, 1500, iph, tcph)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	ack := tcpHeader{
		srcPort: 44017,
		dstPort: 8080,
		seq:     1001,
		ack:     iss + 1,
		flags:   tcpFlagACK,
		window:  4096,
	}
	out, err := c.handleSegment(rec, ack)
	if err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if out != outcomeEstablished {
		t.Errorf("expected established outcome, got %v", out)
	}
	if c.state != stateEstablished {
		t.Errorf("expected state established, got %v", c.state)
	}
	if len(rec.packets) != 1 {
		t.Errorf("expected no reply to the final ack, got %d packets", len(rec.packets))
	}
}

func TestSynRcvdWithoutAckIsViolation(t *testing.T) {
	const iss = 9000
	rec := &frameRecorder{}
	iph, tcph := synSegment(1000, 4096)

	c, err := accept(rec, iss, 1500, iph, tcph)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Passes both guards (the ack field is checked regardless of the ACK
	// flag) but does not acknowledge anything.
	seg := tcpHeader{seq: 1001, ack: iss + 1, window: 4096}
	out, err := c.handleSegment(rec, seg)
	if !errors.Is(err, ErrHandshakeViolation) {
		t.Fatalf("expected handshake violation, got outcome %v err %v", out, err)
	}
	if c.state != stateSynRcvd {
		t.Errorf("expected flow to stay in syn-rcvd, got %v", c.state)
	}
	if len(rec.packets) != 1 {
		t.Errorf("expected no reset for a violation, got %d packets", len(rec.packets))
	}
}

func TestAcceptableAckRange(t *testing.T) {
	// With una=5 and nxt=10, exactly the acks 6 through 10 acknowledge new
	// data. The property must survive rotation around the wrap point.
	shifts := []uint32{0, 1<<32 - 7}
	for _, shift := range shifts {
		t.Run(fmt.Sprintf("shift_%d", shift), func(t *testing.T) {
			for ack := uint32(4); ack <= 12; ack++ {
				wantAccept := ack >= 6 && ack <= 10
				rec := &frameRecorder{}
				c := newEstablishedConn(
					sendSpace{una: 5 + shift, nxt: 10 + shift, wnd: 4096},
					recvSpace{nxt: 2000, wnd: 4096},
				)
				seg := tcpHeader{seq: 2000, ack: ack + shift, flags: tcpFlagACK, window: 4096}

				out, err := c.handleSegment(rec, seg)
				if err != nil {
					t.Fatalf("ack %d: %v", ack, err)
				}
				if wantAccept {
					if out != outcomeUnsupported {
						t.Errorf("ack %d: expected acceptance, got %v", ack, out)
					}
					if len(rec.packets) != 0 {
						t.Errorf("ack %d: expected no reply, got %d packets", ack, len(rec.packets))
					}
				} else {
					if out != outcomeReset {
						t.Errorf("ack %d: expected reset, got %v", ack, out)
					}
					if len(rec.packets) != 1 {
						t.Errorf("ack %d: expected one reset, got %d packets", ack, len(rec.packets))
					}
				}
			}
		})
	}
}

func TestSegmentValidityTable(t *testing.T) {
	const nxt = 1000
	cases := []struct {
		name    string
		wnd     uint16
		seq     uint32
		slen    uint32
		flags   uint8
		payload int
		want    bool
	}{
		{name: "zero len zero window at nxt", wnd: 0, seq: nxt, want: true},
		{name: "zero len zero window past nxt", wnd: 0, seq: nxt + 1, want: false},
		{name: "zero len zero window before nxt", wnd: 0, seq: nxt - 1, want: false},
		{name: "data into zero window", wnd: 0, seq: nxt, payload: 1, want: false},
		{name: "zero len at window start", wnd: 100, seq: nxt, want: true},
		{name: "zero len at window end", wnd: 100, seq: nxt + 99, want: true},
		{name: "zero len past window end", wnd: 100, seq: nxt + 100, want: false},
		{name: "zero len before window", wnd: 100, seq: nxt - 1, want: false},
		{name: "data inside window", wnd: 100, seq: nxt + 10, payload: 20, want: true},
		{name: "data straddles window start", wnd: 100, seq: nxt - 5, payload: 20, want: true},
		{name: "data entirely before window", wnd: 100, seq: nxt - 50, payload: 20, want: false},
		{name: "data starts past window end", wnd: 100, seq: nxt + 100, payload: 20, want: false},
		{name: "bare syn before window", wnd: 100, seq: nxt - 1, flags: tcpFlagSYN, want: false},
		{name: "syn counts toward length", wnd: 100, seq: nxt - 1, flags: tcpFlagSYN, payload: 1, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newEstablishedConn(
				sendSpace{una: 5, nxt: 10, wnd: 4096},
				recvSpace{nxt: nxt, wnd: tc.wnd},
			)
			seg := tcpHeader{
				seq:     tc.seq,
				flags:   tc.flags,
				payload: make([]byte, tc.payload),
			}
			if got := c.segmentValid(seg); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSynchronizedRejectionSendsReset(t *testing.T) {
	rec := &frameRecorder{}
	c := newEstablishedConn(
		sendSpace{una: 5, nxt: 10, wnd: 4096},
		recvSpace{nxt: 2000, wnd: 4096},
	)

	// Acknowledges data never sent.
	seg := tcpHeader{seq: 2000, ack: 11, flags: tcpFlagACK, window: 4096}
	out, err := c.handleSegment(rec, seg)
	if err != nil {
		t.Fatalf("handle segment: %v", err)
	}
	if out != outcomeReset {
		t.Fatalf("expected reset outcome, got %v", out)
	}

	rstIP, rst := mustParseSegment(t, rec.lastPacket(t))
	if rst.flags != tcpFlagRST {
		t.Errorf("expected bare rst, got flags 0x%02x", rst.flags)
	}
	if rst.seq != 10 {
		t.Errorf("expected rst seq snd.nxt=10, got %d", rst.seq)
	}
	if len(rst.payload) != 0 {
		t.Errorf("expected empty rst, got %d payload bytes", len(rst.payload))
	}
	if !verifyTCPChecksum(rstIP.src, rstIP.dst, rstIP.payload) {
		t.Errorf("expected valid checksum on rst")
	}
	if c.snd.nxt != 10 {
		t.Errorf("expected rst to leave snd.nxt at 10, got %d", c.snd.nxt)
	}
}

func TestUnsynchronizedRejectionIsSilent(t *testing.T) {
	rec := &frameRecorder{}
	c := newEstablishedConn(
		sendSpace{una: 5, nxt: 10, wnd: 4096},
		recvSpace{nxt: 2000, wnd: 4096},
	)
	c.state = stateSynRcvd

	seg := tcpHeader{seq: 2000, ack: 11, flags: tcpFlagACK, window: 4096}
	out, err := c.handleSegment(rec, seg)
	if err != nil {
		t.Fatalf("handle segment: %v", err)
	}
	if out != outcomeDrop {
		t.Fatalf("expected silent drop, got %v", out)
	}
	if len(rec.packets) != 0 {
		t.Fatalf("expected no reply before synchronization, got %d packets", len(rec.packets))
	}
}

func TestRejectionSurfacesTransmitFailure(t *testing.T) {
	rec := &frameRecorder{failWith: errors.New("device gone")}
	c := newEstablishedConn(
		sendSpace{una: 5, nxt: 10, wnd: 4096},
		recvSpace{nxt: 2000, wnd: 4096},
	)

	seg := tcpHeader{seq: 2000, ack: 11, flags: tcpFlagACK, window: 4096}
	if _, err := c.handleSegment(rec, seg); err == nil {
		t.Fatalf("expected transmit failure to propagate")
	}
}

func TestSendAdvancesNxt(t *testing.T) {
	cases := []struct {
		name    string
		flags   uint8
		payload []byte
		want    uint32
	}{
		{"bare ack", tcpFlagACK, nil, 0},
		{"rst", tcpFlagRST, nil, 0},
		{"syn", tcpFlagSYN, nil, 1},
		{"fin", tcpFlagFIN | tcpFlagACK, nil, 1},
		{"payload", tcpFlagACK | tcpFlagPSH, []byte("abcde"), 5},
		{"payload with fin", tcpFlagACK | tcpFlagFIN, []byte("abcde"), 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			const start = 0xFFFFFFFE // advance may wrap
			rec := &frameRecorder{}
			c := newEstablishedConn(
				sendSpace{una: start, nxt: start, wnd: 2048},
				recvSpace{nxt: 7000, wnd: 4096},
			)

			n, err := c.send(rec, tc.flags, tc.payload)
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if wantLen := ipv4HeaderLen + tcpHeaderLen + len(tc.payload); n != wantLen {
				t.Errorf("expected %d bytes written, got %d", wantLen, n)
			}
			if want := start + tc.want; c.snd.nxt != want {
				t.Errorf("expected snd.nxt %d, got %d", want, c.snd.nxt)
			}

			_, seg := mustParseSegment(t, rec.lastPacket(t))
			if seg.seq != start {
				t.Errorf("expected seq %d, got %d", uint32(start), seg.seq)
			}
			if seg.ack != 7000 {
				t.Errorf("expected ack 7000, got %d", seg.ack)
			}
			if seg.window != 2048 {
				t.Errorf("expected window 2048, got %d", seg.window)
			}
			if !bytes.Equal(seg.payload, tc.payload) {
				t.Errorf("expected payload %q, got %q", tc.payload, seg.payload)
			}
		})
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	rec := &frameRecorder{}
	c := newEstablishedConn(
		sendSpace{una: 5, nxt: 10, wnd: 2048},
		recvSpace{nxt: 7000, wnd: 4096},
	)
	c.scratch = make([]byte, 100)

	if _, err := c.send(rec, tcpFlagACK, make([]byte, 100)); err == nil {
		t.Fatalf("expected oversized segment to fail")
	}
	if len(rec.packets) != 0 {
		t.Errorf("expected nothing transmitted, got %d packets", len(rec.packets))
	}
	if c.snd.nxt != 10 {
		t.Errorf("expected snd.nxt unchanged, got %d", c.snd.nxt)
	}
}

func TestQuadString(t *testing.T) {
	q := quad{
		localIP:    testLocalIP,
		remoteIP:   testRemoteIP,
		localPort:  8080,
		remotePort: 44017,
	}
	if got, want := q.String(), "10.0.0.1:8080<-10.0.0.2:44017"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

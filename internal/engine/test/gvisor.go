package test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/tinyrange/utcp/internal/engine"
	"github.com/tinyrange/utcp/internal/tun"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const (
	gvisorNICID tcpip.NICID = 1
)

var (
	engineIPv4 = net.IPv4(10, 42, 0, 1)
	peerIPv4   = net.IPv4(10, 42, 0, 2)
)

// gvisorHarness bridges an engine over an in-memory pipe to a gVisor stack
// acting as the remote TCP peer. The pipe is an L3 point-to-point link, so
// the gVisor side runs without ethernet framing and without ARP.
type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	// engine under test (local side)
	eng *engine.Engine
	dev *tun.Pipe

	// gVisor stack (peer side)
	gs *stack.Stack
	ch *channel.Endpoint

	statusURL string

	// observation channels
	e2g chan []byte // engine -> gVisor (raw IP packets)
	g2e chan []byte // gVisor -> engine (raw IP packets)
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil || len(ip4) != 4 {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func newGvisorHarness(tb testing.TB, cfg engine.Config) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:      tb,
		ctx:    ctx,
		cancel: cancel,
		e2g:    make(chan []byte, 4096),
		g2e:    make(chan []byte, 4096),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	h.dev = tun.NewPipe(1500, false)
	eng, err := engine.New(h.dev, cfg, logger)
	if err != nil {
		tb.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	if err := eng.EnableDebugHTTP("127.0.0.1:0"); err != nil {
		tb.Fatalf("enable debug http: %v", err)
	}
	h.statusURL = "http://" + eng.DebugHTTPAddr() + "/status"

	// gVisor stack over a raw IP channel endpoint. No ethernet wrapper: the
	// channel MTU is the L3 MTU and inbound packets carry the IPv4 protocol
	// number directly.
	h.ch = channel.New(4096, 1500, "")
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, h.ch); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(peerIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			NIC:         gvisorNICID,
		},
	})

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run() }()

	// gVisor -> engine
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()

			select {
			case h.g2e <- out:
			default:
				tb.Fatalf("g2e frame buffer full")
			}

			_ = h.dev.Inject(out)
		}
	}()

	// engine -> gVisor
	go func() {
		for {
			select {
			case frame := <-h.dev.Outbound():
				select {
				case h.e2g <- append([]byte(nil), frame...):
				default:
					tb.Fatalf("e2g frame buffer full")
				}

				pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
					Payload: buffer.MakeWithData(frame),
				})
				h.ch.InjectInbound(ipv4.ProtocolNumber, pkt)
			case <-h.ctx.Done():
				return
			}
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		_ = eng.Close()
		select {
		case err := <-engineDone:
			if err != nil {
				tb.Errorf("engine run: %v", err)
			}
		case <-time.After(2 * time.Second):
			tb.Errorf("timeout waiting for engine to stop")
		}
	})
	return h
}

////////////////////////////////////////////////////////////////////////////////
// Status observation.
////////////////////////////////////////////////////////////////////////////////

// engineStatus mirrors the /status JSON document.
type engineStatus struct {
	Accepts     uint64 `json:"accepts"`
	Resets      uint64 `json:"resets"`
	Violations  uint64 `json:"violations"`
	Refused     uint64 `json:"refused"`
	Connections []struct {
		Quad     string `json:"quad"`
		State    string `json:"state"`
		Segments uint64 `json:"segments"`
	} `json:"connections"`
}

func (h *gvisorHarness) status(tb testing.TB) engineStatus {
	tb.Helper()
	resp, err := http.Get(h.statusURL)
	if err != nil {
		tb.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var st engineStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		tb.Fatalf("decode status: %v", err)
	}
	return st
}

func (h *gvisorHarness) awaitStatus(tb testing.TB, what string, cond func(engineStatus) bool) engineStatus {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := h.status(tb)
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for %s; status %+v", what, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Dialing.
////////////////////////////////////////////////////////////////////////////////

func (h *gvisorHarness) dialTCP(tb testing.TB, dstPort uint16) net.Conn {
	tb.Helper()
	c, err := h.tryDialTCP(h.ctx, dstPort)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *gvisorHarness) tryDialTCP(ctx context.Context, dstPort uint16) (net.Conn, error) {
	// Use gVisor's net adapters for a blocking dial; it returns once the
	// peer stack considers the handshake complete.
	return gonet.DialContextTCP(ctx, h.gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(engineIPv4),
		Port: dstPort,
	}, ipv4.ProtocolNumber)
}

func engineAddr(port uint16) string {
	return fmt.Sprintf("%s:%d", engineIPv4, port)
}

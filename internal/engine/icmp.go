package engine

import (
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// handleICMP answers echo requests so the point-to-point link can be
// pinged. Everything else ICMP is noted at debug level and dropped. The
// returned error is a device write failure.
func (e *Engine) handleICMP(iph ipv4Header) error {
	if checksum(iph.payload) != 0 {
		e.stats.drops.Add(1)
		e.log.Warn("icmp: drop message with bad checksum", "src", ip4String(iph.src))
		return nil
	}

	msg, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), iph.payload)
	if err != nil {
		e.stats.drops.Add(1)
		e.log.Warn("icmp: drop malformed message", "err", err, "src", ip4String(iph.src))
		return nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if msg.Type != ipv4.ICMPTypeEcho || !ok {
		e.stats.skips.Add(1)
		e.log.Debug("icmp: skip message", "type", msg.Type, "src", ip4String(iph.src))
		return nil
	}

	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: echo.Data},
	}
	payload, err := reply.Marshal(nil)
	if err != nil {
		e.stats.drops.Add(1)
		e.log.Warn("icmp: marshal echo reply", "err", err)
		return nil
	}

	pkt := make([]byte, ipv4HeaderLen+len(payload))
	buildIPv4HeaderInto(pkt, iph.dst, iph.src, icmpProtocolNumber, len(payload))
	copy(pkt[ipv4HeaderLen:], payload)

	if err := e.sendIPv4Packet(pkt); err != nil {
		return err
	}
	e.stats.echoes.Add(1)
	e.log.Debug("icmp: echo reply", "dst", ip4String(iph.src), "id", echo.ID, "seq", echo.Seq)
	return nil
}

package engine

import (
	"errors"
	"io"
	"time"

	"github.com/tinyrange/utcp/internal/pcap"
)

// captureWriter records one raw IP packet with its timestamp.
type captureWriter interface {
	WriteFrame(ts time.Time, frame []byte) error
}

// OpenPacketCapture starts recording every IPv4 packet crossing the device,
// in both directions, as a pcap stream on w. The stream uses the raw-IP
// link type, so captures replay in wireshark without a synthetic Ethernet
// layer. The caller owns w and closes it after Run returns.
func (e *Engine) OpenPacketCapture(w io.Writer) error {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	if e.capture != nil {
		return errors.New("engine: packet capture already open")
	}

	pw := pcap.NewWriter(w)
	if err := pw.WriteFileHeader(pcap.DefaultSnapLen, pcap.LinkTypeRaw); err != nil {
		return err
	}
	e.capture = pw
	return nil
}

// writeCapture records pkt if a capture is open. Capture failures disable
// the capture rather than disturb the data path.
func (e *Engine) writeCapture(pkt []byte) {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	if e.capture == nil {
		return
	}
	if err := e.capture.WriteFrame(time.Now(), pkt); err != nil {
		e.log.Warn("engine: packet capture failed, disabling", "err", err)
		e.capture = nil
	}
}

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"
)

type statusServer struct {
	ln  net.Listener
	srv *http.Server
}

// statusReport is the JSON document served at /status.
type statusReport struct {
	Interface     string         `json:"interface"`
	MTU           int            `json:"mtu"`
	PacketInfo    bool           `json:"packet_info"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	FramesIn      uint64         `json:"frames_in"`
	FramesOut     uint64         `json:"frames_out"`
	Segments      uint64         `json:"segments"`
	Accepts       uint64         `json:"accepts"`
	Drops         uint64         `json:"drops"`
	Skips         uint64         `json:"skips"`
	Resets        uint64         `json:"resets"`
	Violations    uint64         `json:"violations"`
	Refused       uint64         `json:"refused"`
	Echoes        uint64         `json:"echoes"`
	Connections   []connSnapshot `json:"connections"`
}

// EnableDebugHTTP starts an HTTP listener on addr serving a JSON status
// report at /status: engine counters plus a snapshot of every flow. Pass a
// ":0" style addr and read DebugHTTPAddr for the bound port.
func (e *Engine) EnableDebugHTTP(addr string) error {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.statusServer != nil {
		return errors.New("engine: debug http already enabled")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("engine: debug http listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", e.serveStatus)
	srv := &http.Server{Handler: mux}
	e.statusServer = &statusServer{ln: ln, srv: srv}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Warn("engine: debug http server stopped", "err", err)
		}
	}()

	e.log.Info("engine: debug http listening", "addr", ln.Addr().String())
	return nil
}

// DebugHTTPAddr returns the bound address of the debug listener, or "" when
// it is not enabled.
func (e *Engine) DebugHTTPAddr() string {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.statusServer == nil {
		return ""
	}
	return e.statusServer.ln.Addr().String()
}

func (e *Engine) closeStatusServer() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.statusServer == nil {
		return
	}
	_ = e.statusServer.srv.Close()
	e.statusServer = nil
}

func (e *Engine) serveStatus(w http.ResponseWriter, r *http.Request) {
	report := e.statusReport()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		e.log.Debug("engine: write status report", "err", err)
	}
}

func (e *Engine) statusReport() statusReport {
	now := time.Now()
	report := statusReport{
		Interface:     e.dev.Name(),
		MTU:           e.mtu,
		PacketInfo:    e.dev.PacketInfo(),
		UptimeSeconds: now.Sub(e.startedAt).Seconds(),
		FramesIn:      e.stats.framesIn.Load(),
		FramesOut:     e.stats.framesOut.Load(),
		Segments:      e.stats.segments.Load(),
		Accepts:       e.stats.accepts.Load(),
		Drops:         e.stats.drops.Load(),
		Skips:         e.stats.skips.Load(),
		Resets:        e.stats.resets.Load(),
		Violations:    e.stats.violations.Load(),
		Refused:       e.stats.refused.Load(),
		Echoes:        e.stats.echoes.Load(),
	}

	e.connsMu.Lock()
	report.Connections = make([]connSnapshot, 0, len(e.conns))
	for _, c := range e.conns {
		report.Connections = append(report.Connections, c.snapshot(now))
	}
	e.connsMu.Unlock()

	sort.Slice(report.Connections, func(i, j int) bool {
		return report.Connections[i].Quad < report.Connections[j].Quad
	})
	return report
}

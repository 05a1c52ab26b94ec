// Command utcp runs a user-space TCP engine on a TUN interface.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"syscall"

	"github.com/tinyrange/utcp/internal/config"
	"github.com/tinyrange/utcp/internal/engine"
	"github.com/tinyrange/utcp/internal/tun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "utcp: %v\n", err)
		os.Exit(1)
	}
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

func run() error {
	iface := flag.String("iface", "", "TUN interface name (default: tun0)")
	configPath := flag.String("config", "", "Load configuration from a YAML file")
	var mtuFlag intFlag
	mtuFlag.v = 1500
	flag.Var(&mtuFlag, "mtu", "Interface MTU")
	var noPIFlag boolFlag
	flag.Var(&noPIFlag, "no-pi", "Open the interface without the packet-info prefix (IFF_NO_PI)")
	statusAddr := flag.String("status", "", "Serve a JSON status report on this address")
	packetdump := flag.String("packetdump", "", "Write packet capture (pcap) to file")
	var maxConnsFlag intFlag
	flag.Var(&maxConnsFlag, "max-conns", "Limit the connection table (0 = unlimited)")
	var debugFlag boolFlag
	flag.Var(&debugFlag, "debug", "Enable debug logging")
	cpuprofile := flag.String("cpuprofile", "", "Write CPU profile to file")
	memprofile := flag.String("memprofile", "", "Write memory profile to file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a user-space TCP engine on a TUN interface.\n\n")
		fmt.Fprintf(os.Stderr, "The engine answers pings and performs the passive side of the TCP\n")
		fmt.Fprintf(os.Stderr, "handshake for any address routed at the interface. Set one up first:\n\n")
		fmt.Fprintf(os.Stderr, "  ip tuntap add dev tun0 mode tun user $USER\n")
		fmt.Fprintf(os.Stderr, "  ip addr add 10.0.0.1/24 dev tun0\n")
		fmt.Fprintf(os.Stderr, "  ip link set up dev tun0\n\n")
		fmt.Fprintf(os.Stderr, "then ping 10.0.0.2 or open a connection with nc 10.0.0.2 80.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	// Explicit flags win over the file.
	if *iface != "" {
		cfg.Interface = *iface
	}
	if mtuFlag.set {
		cfg.MTU = mtuFlag.v
	}
	if noPIFlag.set {
		cfg.NoPacketInfo = noPIFlag.v
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *packetdump != "" {
		cfg.PacketDump = *packetdump
	}
	if maxConnsFlag.set {
		cfg.MaxConns = maxConnsFlag.v
	}
	if debugFlag.set {
		cfg.Debug = debugFlag.v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(
			os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug},
		)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(
			os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelInfo},
		)))
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create cpu profile file: %w", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	if *memprofile != "" {
		defer func() {
			f, err := os.Create(*memprofile)
			if err != nil {
				slog.Error("create memory profile file", "error", err)
				return
			}
			defer f.Close()

			if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
				slog.Error("write memory profile", "error", err)
			}
		}()
	}

	dev, err := tun.Open(cfg.Interface, cfg.MTU, !cfg.NoPacketInfo)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Interface, err)
	}

	eng, err := engine.New(dev, engine.Config{MaxConns: cfg.MaxConns}, slog.Default())
	if err != nil {
		dev.Close()
		return err
	}
	defer eng.Close()

	if cfg.PacketDump != "" {
		f, err := os.Create(cfg.PacketDump)
		if err != nil {
			return fmt.Errorf("create packet dump file: %w", err)
		}
		defer f.Close()

		if err := eng.OpenPacketCapture(f); err != nil {
			return err
		}
	}
	if cfg.StatusAddr != "" {
		if err := eng.EnableDebugHTTP(cfg.StatusAddr); err != nil {
			return err
		}
	}

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("utcp: shutting down", "signal", sig.String())
		eng.Close()
	}()

	return eng.Run()
}

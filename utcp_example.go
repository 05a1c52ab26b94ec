//go:build ignore

// This file demonstrates every public API in the utcp package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	utcp "github.com/tinyrange/utcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// OpenTUN - open or create a Linux TUN interface (needs CAP_NET_ADMIN)
	// =========================================================================
	dev, err := utcp.OpenTUN("tun0", 1500, true)
	if err != nil {
		// Fall back to an in-memory device, e.g. for tests or simulation.
		pipe := utcp.NewPipe(1500, true)
		return runEngine(pipe)
	}

	// Device interface methods
	_ = dev.Name()       // interface name as the kernel assigned it
	_ = dev.MTU()        // configured MTU
	_ = dev.PacketInfo() // whether frames carry the 4-byte prefix

	return runEngine(dev)
}

func runEngine(dev utcp.Device) error {
	// =========================================================================
	// New - build an engine over any Device
	// =========================================================================
	eng, err := utcp.New(dev, utcp.Config{
		MaxConns: 1024, // cap the connection table (0 = unlimited)
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("new engine: %w", err)
	}
	defer eng.Close()

	// =========================================================================
	// OpenPacketCapture - record traffic as a pcap stream
	// =========================================================================
	capture, err := os.Create("utcp.pcap")
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	defer capture.Close()

	if err := eng.OpenPacketCapture(capture); err != nil {
		return fmt.Errorf("open packet capture: %w", err)
	}

	// =========================================================================
	// EnableDebugHTTP - JSON status report at /status
	// =========================================================================
	if err := eng.EnableDebugHTTP("127.0.0.1:0"); err != nil {
		return fmt.Errorf("enable debug http: %w", err)
	}
	fmt.Printf("status: http://%s/status\n", eng.DebugHTTPAddr())

	// =========================================================================
	// Run - process frames until Close or a device failure
	// =========================================================================
	if err := eng.Run(); err != nil {
		if errors.Is(err, utcp.ErrDeviceClosed) {
			return nil
		}
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// Package config loads the utcp configuration file.
//
// The file is YAML with strict field checking: a misspelled key is an error
// rather than a silently ignored knob. Every field is optional and defaults
// are applied before the file is read, so an empty file is valid. Command
// line flags take precedence over the file; that merge happens in the
// caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Lowest MTU the engine will drive, the RFC 791 minimum, and the largest
// payload an IPv4 total-length field can describe.
const (
	MinMTU = 68
	MaxMTU = 65535
)

// Config mirrors the configuration file.
type Config struct {
	// Interface is the TUN device name to open or create.
	Interface string `yaml:"interface"`

	// MTU applies to the interface when it is created.
	MTU int `yaml:"mtu"`

	// NoPacketInfo opens the device without the 4-byte flags/EtherType
	// frame prefix (IFF_NO_PI).
	NoPacketInfo bool `yaml:"no_packet_info"`

	// MaxConns caps the connection table; zero means unlimited.
	MaxConns int `yaml:"max_conns"`

	// StatusAddr enables the debug HTTP listener when non-empty.
	StatusAddr string `yaml:"status_addr"`

	// PacketDump is a pcap output path; empty disables capture.
	PacketDump string `yaml:"packet_dump"`

	// Debug lowers the log level to debug.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Interface: "tun0",
		MTU:       1500,
	}
}

// Load reads and validates the configuration at path, layered over the
// defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document, layered over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Interface == "" {
		return errors.New("config: interface name must not be empty")
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return fmt.Errorf("config: mtu %d outside [%d, %d]", c.MTU, MinMTU, MaxMTU)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: negative max_conns %d", c.MaxConns)
	}
	return nil
}

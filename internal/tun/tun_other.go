//go:build !linux

package tun

import (
	"fmt"
	"runtime"
)

// Open is only implemented for Linux TUN devices.
func Open(name string, mtu int, packetInfo bool) (*Device, error) {
	return nil, fmt.Errorf("tun: not supported on %s", runtime.GOOS)
}

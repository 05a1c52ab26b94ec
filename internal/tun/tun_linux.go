//go:build linux

package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const devNetTun = "/dev/net/tun"

// Open creates or attaches to the named TUN interface. An empty name lets
// the kernel pick one (tun%d). When packetInfo is false the device is opened
// with IFF_NO_PI and frames are bare IP packets.
//
// The interface still needs addressing and bring-up from outside, e.g.
//
//	ip addr add 10.0.0.1/24 dev tun0
//	ip link set up dev tun0
func Open(name string, mtu int, packetInfo bool) (*Device, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("tun: invalid mtu %d", mtu)
	}

	fd, err := unix.Open(devNetTun, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open %s: %w", devNetTun, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: interface name %q: %w", name, err)
	}
	flags := uint16(unix.IFF_TUN)
	if !packetInfo {
		flags |= unix.IFF_NO_PI
	}
	ifr.SetUint16(flags)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF %q: %w", name, err)
	}

	// Nonblocking mode hands the fd to the runtime poller: reads still block
	// the goroutine, and Close unblocks them.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: set nonblocking: %w", err)
	}

	return &Device{
		file:       os.NewFile(uintptr(fd), devNetTun),
		name:       ifr.Name(),
		mtu:        mtu,
		packetInfo: packetInfo,
	}, nil
}

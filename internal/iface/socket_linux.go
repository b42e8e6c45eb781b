//go:build linux

package iface

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions configures SO_REUSEADDR and SO_REUSEPORT (kernel
// 3.9+) so this listener can share port 5353 with Avahi/systemd-resolved
// instead of failing to bind.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		if err != unix.ENOPROTOOPT {
			return fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	}
	return nil
}

// PlatformControl is passed as net.ListenConfig.Control when binding the
// shared mDNS listen socket.
func PlatformControl(_, _ string, c syscall.RawConn) error {
	var sockoptErr error
	if err := c.Control(func(fd uintptr) { sockoptErr = setSocketOptions(fd) }); err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockoptErr
}

//go:build windows

package iface

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketOptions sets SO_REUSEADDR, the only port-sharing option
// Windows exposes; unlike POSIX SO_REUSEADDR, Windows' variant allows
// multiple processes to bind the same port, giving coexistence
// semantics similar to POSIX SO_REUSEPORT.
func setSocketOptions(fd uintptr) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
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

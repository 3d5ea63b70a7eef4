//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import (
	"golang.org/x/sys/unix"
)

// setSocketOptions lets the socket share port 5353 with other responders on
// the host (Avahi, mDNSResponder).
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

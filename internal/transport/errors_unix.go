//go:build unix

package transport

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// privilegeHint explains the most common cause of a failed raw socket open.
func privilegeHint() string {
	if unix.Geteuid() != 0 {
		return "raw ICMP sockets require root or CAP_NET_RAW"
	}
	return ""
}

// isHardError reports whether a socket error means the socket itself is
// unusable, as opposed to a single datagram failing.
func isHardError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, errno := range []unix.Errno{unix.EPERM, unix.EACCES, unix.EBADF, unix.ENODEV, unix.ENXIO, unix.ENOTSOCK} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

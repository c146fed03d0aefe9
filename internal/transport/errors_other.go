//go:build !unix

package transport

import (
	"errors"
	"net"
)

func privilegeHint() string {
	return "raw ICMP sockets require administrator privileges"
}

func isHardError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/icmp"
)

// ProtocolICMP is the IANA protocol number for ICMPv4.
const ProtocolICMP = 1

// PacketConn is the subset of a raw ICMP socket the pumps use.
// Both *icmp.PacketConn and net.PacketConn satisfy it.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	Close() error
}

// OpenError is returned when the raw ICMP socket cannot be created.
type OpenError struct {
	Network string
	Address string
	Hint    string
	Err     error
}

func (e *OpenError) Error() string {
	msg := fmt.Sprintf("open %s socket on %s: %v", e.Network, e.Address, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Listen opens a privileged raw ICMPv4 socket bound to bind. Reads on the
// returned connection yield ICMP messages with the IPv4 header stripped.
func Listen(bind string) (*icmp.PacketConn, error) {
	const network = "ip4:icmp"

	conn, err := icmp.ListenPacket(network, bind)
	if err != nil {
		return nil, &OpenError{
			Network: network,
			Address: bind,
			Hint:    privilegeHint(),
			Err:     err,
		}
	}
	return conn, nil
}

// Package relay bridges TCP streams to the tunnel's frame queues.
//
// The client relay accepts local TCP connections and runs each one in
// lock-step: read up to ReadSize bytes, enqueue the frames, wait for exactly
// one reply frame, write its payload, repeat. The server relay holds a TCP
// connection to the target and serves inbound frames and target reads from
// a single select loop so neither direction starves.
//
// Inbound frames are routed by connection id through a Dispatcher.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/postalsys/pingtun/internal/frame"
)

// DefaultReadSize is the largest TCP read turned into one batch of frames.
const DefaultReadSize = 1024

// ErrNoConnID is returned when no unused connection id could be allocated.
var ErrNoConnID = errors.New("no free connection id")

// ConnError is an I/O failure on one relayed connection. It ends that relay
// only.
type ConnError struct {
	Op     string
	ConnID uint16
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("relay conn %d: %s: %v", e.ConnID, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// enqueue pushes frames onto the outbound queue in order, suspending while
// the queue is full.
func enqueue(ctx context.Context, outbound chan<- frame.Frame, frames []frame.Frame) error {
	for _, f := range frames {
		select {
		case outbound <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// randomConnID returns a uniformly random 16-bit connection id.
func randomConnID() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// isClosedErr reports errors that mean the peer or we closed the stream.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

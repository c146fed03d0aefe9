// Package frame implements the tunnel wire format: 64-byte ICMP Echo Reply
// bodies carrying a connection identifier, a fragment sequence number and up
// to 56 bytes of stream payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout (64 bytes):
//
//	Type     [1 byte]  - always 0 (Echo Reply)
//	Code     [1 byte]  - padding count, 56 minus the logical payload length
//	Checksum [2 bytes] - RFC 1071 over the whole body (big-endian)
//	ConnID   [2 bytes] - connection identifier (big-endian)
//	Seq      [2 bytes] - fragment sequence number (big-endian)
//	Payload  [56 bytes]
const (
	// Size is the length of every frame on the wire.
	Size = 64

	// HeaderSize is the ICMP echo header length.
	HeaderSize = 8

	// MaxPayloadSize is the payload capacity of a single frame.
	MaxPayloadSize = Size - HeaderSize

	// TypeEchoReply is the ICMP type used for every tunnel frame.
	TypeEchoReply = 0
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned for datagrams that are not tunnel frames.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnexpectedType is returned when the ICMP type is not Echo Reply.
	ErrUnexpectedType = errors.New("unexpected ICMP type")

	// ErrChecksum is returned when the checksum does not verify.
	ErrChecksum = errors.New("checksum mismatch")
)

// DecodeError describes an inbound datagram that could not be decoded.
type DecodeError struct {
	Reason string
	Len    int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %s: %v", e.Len, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Frame is one fragment of a tunnelled byte stream.
type Frame struct {
	ConnID   uint16
	Seq      uint16
	Checksum uint16

	// Payload holds the logical bytes only; wire padding is not included.
	Payload []byte
}

// New builds a single frame and computes its checksum.
func New(connID, seq uint16, payload []byte) (Frame, error) {
	if len(payload) > MaxPayloadSize {
		return Frame{}, ErrPayloadTooLarge
	}

	f := Frame{
		ConnID:  connID,
		Seq:     seq,
		Payload: append([]byte(nil), payload...),
	}
	f.Checksum = Checksum(f.body())
	return f, nil
}

// Encode splits data into frames of at most MaxPayloadSize bytes, numbered
// from zero in emission order.
func Encode(connID uint16, data []byte) []Frame {
	frames := make([]Frame, 0, (len(data)+MaxPayloadSize-1)/MaxPayloadSize)

	var seq uint16
	for off := 0; off < len(data); off += MaxPayloadSize {
		end := min(off+MaxPayloadSize, len(data))

		// Chunk length is bounded above, New cannot fail here.
		f, _ := New(connID, seq, data[off:end])
		frames = append(frames, f)
		seq++
	}

	return frames
}

// Padding returns the number of zero bytes appended on the wire.
func (f Frame) Padding() int {
	return MaxPayloadSize - len(f.Payload)
}

// Marshal returns the 64-byte wire body including the stored checksum.
func (f Frame) Marshal() []byte {
	b := f.body()
	binary.BigEndian.PutUint16(b[2:4], f.Checksum)
	return b
}

// body serializes the frame with a zero checksum field.
func (f Frame) body() []byte {
	b := make([]byte, Size)
	b[0] = TypeEchoReply
	b[1] = byte(f.Padding())
	binary.BigEndian.PutUint16(b[4:6], f.ConnID)
	binary.BigEndian.PutUint16(b[6:8], f.Seq)
	copy(b[HeaderSize:], f.Payload)
	return b
}

// String returns a debug representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{ConnID=%d, Seq=%d, Checksum=0x%04x, PayloadLen=%d}",
		f.ConnID, f.Seq, f.Checksum, len(f.Payload))
}

// Decode parses a 64-byte datagram and verifies its checksum.
func Decode(raw []byte) (Frame, error) {
	f, err := DecodeUnverified(raw)
	if err != nil {
		return Frame{}, err
	}

	if !Verify(raw) {
		return Frame{}, &DecodeError{Reason: "checksum", Len: len(raw), Err: ErrChecksum}
	}

	return f, nil
}

// DecodeUnverified parses a datagram without checking the checksum.
func DecodeUnverified(raw []byte) (Frame, error) {
	if len(raw) != Size {
		return Frame{}, &DecodeError{Reason: "length", Len: len(raw), Err: ErrInvalidFrame}
	}
	if raw[0] != TypeEchoReply {
		return Frame{}, &DecodeError{
			Reason: "type",
			Len:    len(raw),
			Err:    fmt.Errorf("%w: %d", ErrUnexpectedType, raw[0]),
		}
	}

	padding := int(raw[1])
	if padding > MaxPayloadSize {
		return Frame{}, &DecodeError{
			Reason: "padding",
			Len:    len(raw),
			Err:    fmt.Errorf("%w: padding %d", ErrInvalidFrame, padding),
		}
	}

	n := MaxPayloadSize - padding
	payload := make([]byte, n)
	copy(payload, raw[HeaderSize:HeaderSize+n])

	return Frame{
		Checksum: binary.BigEndian.Uint16(raw[2:4]),
		ConnID:   binary.BigEndian.Uint16(raw[4:6]),
		Seq:      binary.BigEndian.Uint16(raw[6:8]),
		Payload:  payload,
	}, nil
}

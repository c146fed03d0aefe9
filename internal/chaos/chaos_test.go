package chaos

import (
	"bytes"
	"net"
	"testing"
	"time"
)

type recordConn struct {
	written [][]byte
}

func (c *recordConn) ReadFrom(b []byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (c *recordConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.written = append(c.written, append([]byte(nil), b...))
	return len(b), nil
}

func (c *recordConn) Close() error { return nil }

var dst = &net.IPAddr{IP: net.IPv4(192, 0, 2, 1)}

func TestFaultInjector_Disabled(t *testing.T) {
	f := NewFaultInjector(FaultConfig{Probability: 1.0, Type: FaultDrop})
	f.Disable()

	if f.IsEnabled() {
		t.Error("injector should be disabled")
	}
	if _, ok := f.pick(); ok {
		t.Error("disabled injector should not pick a fault")
	}

	f.Enable()
	if _, ok := f.pick(); !ok {
		t.Error("enabled injector with probability 1 should pick a fault")
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	f := NewSeededFaultInjector(1, FaultConfig{Probability: 0.5, Type: FaultDrop})

	hits := 0
	for i := 0; i < 1000; i++ {
		if _, ok := f.pick(); ok {
			hits++
		}
	}
	if hits < 400 || hits > 600 {
		t.Errorf("hits = %d, want about 500", hits)
	}
	if got := f.GetStats()[FaultDrop]; got != int64(hits) {
		t.Errorf("stats = %d, want %d", got, hits)
	}

	f.Reset()
	if len(f.GetStats()) != 0 {
		t.Error("Reset should clear stats")
	}
}

func TestPacketConn_Faults(t *testing.T) {
	payload := []byte("0123456789abcdef")

	tests := []struct {
		name  string
		fault FaultConfig
		check func(t *testing.T, written [][]byte)
	}{
		{
			name:  "drop",
			fault: FaultConfig{Probability: 1, Type: FaultDrop},
			check: func(t *testing.T, written [][]byte) {
				if len(written) != 0 {
					t.Errorf("dropped datagram was written %d times", len(written))
				}
			},
		},
		{
			name:  "corrupt",
			fault: FaultConfig{Probability: 1, Type: FaultCorrupt},
			check: func(t *testing.T, written [][]byte) {
				if len(written) != 1 {
					t.Fatalf("written = %d datagrams, want 1", len(written))
				}
				if len(written[0]) != len(payload) {
					t.Errorf("corrupted length = %d, want %d", len(written[0]), len(payload))
				}
				if bytes.Equal(written[0], payload) {
					t.Error("datagram was not corrupted")
				}
			},
		},
		{
			name:  "truncate",
			fault: FaultConfig{Probability: 1, Type: FaultTruncate},
			check: func(t *testing.T, written [][]byte) {
				if len(written) != 1 {
					t.Fatalf("written = %d datagrams, want 1", len(written))
				}
				if n := len(written[0]); n == 0 || n >= len(payload) {
					t.Errorf("truncated length = %d, want 1..%d", n, len(payload)-1)
				}
			},
		},
		{
			name:  "delay",
			fault: FaultConfig{Probability: 1, Type: FaultDelay, MinDelay: 20 * time.Millisecond, MaxDelay: 30 * time.Millisecond},
			check: func(t *testing.T, written [][]byte) {
				if len(written) != 1 || !bytes.Equal(written[0], payload) {
					t.Errorf("delayed datagram = %q, want %q", written, payload)
				}
			},
		},
		{
			name:  "none",
			fault: FaultConfig{Probability: 0, Type: FaultDrop},
			check: func(t *testing.T, written [][]byte) {
				if len(written) != 1 || !bytes.Equal(written[0], payload) {
					t.Errorf("datagram = %q, want %q", written, payload)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recordConn{}
			conn := Wrap(rec, NewSeededFaultInjector(7, tc.fault))

			start := time.Now()
			n, err := conn.WriteTo(payload, dst)
			if err != nil {
				t.Fatalf("WriteTo() error = %v", err)
			}
			if n != len(payload) {
				t.Errorf("WriteTo() = %d, want %d", n, len(payload))
			}
			if tc.fault.Type == FaultDelay && time.Since(start) < tc.fault.MinDelay {
				t.Errorf("write returned after %v, want at least %v", time.Since(start), tc.fault.MinDelay)
			}
			tc.check(t, rec.written)
		})
	}
}

func TestPacketConn_CorruptLeavesCallerBuffer(t *testing.T) {
	payload := []byte("keep me intact")
	orig := append([]byte(nil), payload...)

	conn := Wrap(&recordConn{}, NewSeededFaultInjector(3, FaultConfig{Probability: 1, Type: FaultCorrupt}))
	conn.WriteTo(payload, dst)

	if !bytes.Equal(payload, orig) {
		t.Error("corruption modified the caller's buffer")
	}
}

func TestFaultType_String(t *testing.T) {
	for ft, want := range map[FaultType]string{
		FaultDrop: "drop", FaultCorrupt: "corrupt", FaultDelay: "delay", FaultTruncate: "truncate", FaultType(99): "none",
	} {
		if got := ft.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(ft), got, want)
		}
	}
}

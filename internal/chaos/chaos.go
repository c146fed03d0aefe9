// Package chaos injects datagram faults into a packet connection for
// testing how the tunnel copes with a lossy or hostile network.
package chaos

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop silently discards an outgoing datagram.
	FaultDrop FaultType = iota
	// FaultCorrupt flips one byte of an outgoing datagram.
	FaultCorrupt
	// FaultDelay holds an outgoing datagram before sending it.
	FaultDelay
	// FaultTruncate cuts an outgoing datagram short.
	FaultTruncate
)

func (f FaultType) String() string {
	switch f {
	case FaultDrop:
		return "drop"
	case FaultCorrupt:
		return "corrupt"
	case FaultDelay:
		return "delay"
	case FaultTruncate:
		return "truncate"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, hits each datagram.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a fault injector seeded from the clock.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(time.Now().UnixNano(), configs...)
}

// NewSeededFaultInjector creates a fault injector with a fixed seed, so a
// test sees the same fault sequence every run.
func NewSeededFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// pick returns the first configured fault that fires, or ok=false.
func (f *FaultInjector) pick() (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultConfig{}, false
	}
	for _, cfg := range f.configs {
		if f.rng.Float64() < cfg.Probability {
			f.faultHits[cfg.Type]++
			return cfg, true
		}
	}
	return FaultConfig{}, false
}

func (f *FaultInjector) intn(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Intn(n)
}

func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// GetStats returns how often each fault fired.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// Conn is the datagram connection being wrapped.
type Conn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// PacketConn applies injected faults to datagrams written through it.
// Reads pass through untouched.
type PacketConn struct {
	Conn
	injector *FaultInjector
}

// Wrap returns conn with faults from injector applied on write.
func Wrap(conn Conn, injector *FaultInjector) *PacketConn {
	return &PacketConn{Conn: conn, injector: injector}
}

// WriteTo writes b to addr unless a fault intervenes. A dropped datagram
// still reports success, as a lossy network would.
func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	fault, ok := c.injector.pick()
	if !ok {
		return c.Conn.WriteTo(b, addr)
	}

	switch fault.Type {
	case FaultDrop:
		return len(b), nil

	case FaultCorrupt:
		if len(b) == 0 {
			break
		}
		mangled := append([]byte(nil), b...)
		i := c.injector.intn(len(mangled))
		mangled[i] ^= 0xff
		if _, err := c.Conn.WriteTo(mangled, addr); err != nil {
			return 0, err
		}
		return len(b), nil

	case FaultTruncate:
		if len(b) < 2 {
			break
		}
		n := 1 + c.injector.intn(len(b)-1)
		if _, err := c.Conn.WriteTo(b[:n], addr); err != nil {
			return 0, err
		}
		return len(b), nil

	case FaultDelay:
		time.Sleep(c.injector.randomDelay(fault.MinDelay, fault.MaxDelay))
	}

	return c.Conn.WriteTo(b, addr)
}

package transport

import (
	"sync"
	"testing"
)

func TestPeerResolver_Empty(t *testing.T) {
	r := NewPeerResolver()

	if addr, ok := r.Current(); ok || addr != nil {
		t.Errorf("Current() = %v, %v, want nil, false", addr, ok)
	}
}

func TestPeerResolver_FirstObservation(t *testing.T) {
	r := NewPeerResolver()

	changed, prev := r.Observe(ipAddr("192.0.2.10"))
	if !changed || prev != nil {
		t.Errorf("Observe() = %v, %v, want true, nil", changed, prev)
	}

	addr, ok := r.Current()
	if !ok || addr.String() != "192.0.2.10" {
		t.Errorf("Current() = %v, %v, want 192.0.2.10", addr, ok)
	}
}

func TestPeerResolver_SameSourceIsStable(t *testing.T) {
	r := NewPeerResolver()
	r.Observe(ipAddr("192.0.2.10"))

	for i := 0; i < 5; i++ {
		if changed, _ := r.Observe(ipAddr("192.0.2.10")); changed {
			t.Fatalf("Observe() of the same source reported a change")
		}
	}

	addr, _ := r.Current()
	if addr.String() != "192.0.2.10" {
		t.Errorf("Current() = %v, want 192.0.2.10", addr)
	}
}

func TestPeerResolver_SecondSourceSwitches(t *testing.T) {
	r := NewPeerResolver()
	r.Observe(ipAddr("192.0.2.10"))

	changed, prev := r.Observe(ipAddr("198.51.100.20"))
	if !changed {
		t.Fatal("Observe() of a new source should switch the peer")
	}
	if prev == nil || prev.String() != "192.0.2.10" {
		t.Errorf("prev = %v, want 192.0.2.10", prev)
	}

	addr, _ := r.Current()
	if addr.String() != "198.51.100.20" {
		t.Errorf("Current() = %v, want 198.51.100.20", addr)
	}
}

func TestPeerResolver_NilIgnored(t *testing.T) {
	r := NewPeerResolver()
	r.Observe(ipAddr("192.0.2.10"))

	if changed, _ := r.Observe(nil); changed {
		t.Error("Observe(nil) should not change the peer")
	}
	if addr, ok := r.Current(); !ok || addr.String() != "192.0.2.10" {
		t.Errorf("Current() = %v, %v", addr, ok)
	}
}

func TestPeerResolver_ConcurrentReaders(t *testing.T) {
	r := NewPeerResolver()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if addr, ok := r.Current(); ok && addr == nil {
					t.Error("Current() returned ok with nil address")
					return
				}
			}
		}()
	}

	for j := 0; j < 1000; j++ {
		if j%2 == 0 {
			r.Observe(ipAddr("192.0.2.1"))
		} else {
			r.Observe(ipAddr("192.0.2.2"))
		}
	}
	wg.Wait()
}

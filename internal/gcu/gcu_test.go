package gcu

import (
	"net/netip"
	"sync"
	"testing"
	"time"
)

type sendRecorder struct {
	mu    sync.Mutex
	sends []struct {
		token string
		addr  netip.AddrPort
	}
}

func (r *sendRecorder) send(token string, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, struct {
		token string
		addr  netip.AddrPort
	}{token, addr})
	return nil
}

func (r *sendRecorder) count(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sends {
		if s.token == token {
			n++
		}
	}
	return n
}

func testHandshake(t *testing.T) (*Handshake, *sendRecorder, *time.Time) {
	t.Helper()
	rec := &sendRecorder{}
	h := New(Config{
		SubscribeToken:  "SUBSCRIBE",
		AckToken:        "ACK",
		BroadcastToken:  "BROADCAST",
		Heartbeat:       2 * time.Second,
		Fallback:        10 * time.Second,
		BroadcastOnExit: true,
	}, rec.send)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	return h, rec, &now
}

func addr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ap
}

func TestDataIsNotConsumed(t *testing.T) {
	h, _, _ := testHandshake(t)
	a := addr(t, "10.0.0.5:13250")
	frame := []byte{0x5A, 0x5A, 1, 2, 3, 4, 5, 6, 1}
	if h.Offer(frame, a) {
		t.Fatal("binary frame consumed as control")
	}
	if h.Sessions() != 1 {
		t.Fatalf("Sessions = %d, want 1", h.Sessions())
	}
}

func TestAckMarksSession(t *testing.T) {
	h, _, _ := testHandshake(t)
	a := addr(t, "10.0.0.5:13250")
	if !h.Offer([]byte("ACK\n"), a) {
		t.Fatal("ACK not consumed")
	}
	if !h.Acked(a) {
		t.Fatal("session not marked acked")
	}
}

func TestBroadcastEvicts(t *testing.T) {
	h, _, _ := testHandshake(t)
	a := addr(t, "10.0.0.5:13250")
	h.Offer([]byte("ACK"), a)
	if !h.Offer([]byte("BROADCAST"), a) {
		t.Fatal("BROADCAST not consumed")
	}
	if h.Sessions() != 0 {
		t.Fatalf("Sessions = %d, want 0", h.Sessions())
	}
}

func TestHeartbeatSendsSubscribe(t *testing.T) {
	h, rec, now := testHandshake(t)
	a := addr(t, "10.0.0.5:13250")
	h.Offer([]byte{0x5A, 0x5A, 1, 2, 3, 4, 5, 6, 1}, a)

	h.Tick()
	if rec.count("SUBSCRIBE") != 1 {
		t.Fatalf("subscribe sends = %d, want 1", rec.count("SUBSCRIBE"))
	}
	// Within the heartbeat interval: no re-send.
	*now = now.Add(time.Second)
	h.Tick()
	if rec.count("SUBSCRIBE") != 1 {
		t.Fatalf("subscribe re-sent too early: %d", rec.count("SUBSCRIBE"))
	}
	// Past the interval: sent again.
	*now = now.Add(2 * time.Second)
	h.Tick()
	if rec.count("SUBSCRIBE") != 2 {
		t.Fatalf("subscribe sends = %d, want 2", rec.count("SUBSCRIBE"))
	}
}

func TestFallbackEvicts(t *testing.T) {
	h, _, now := testHandshake(t)
	a := addr(t, "10.0.0.5:13250")
	h.Offer([]byte("ACK"), a)

	*now = now.Add(9 * time.Second)
	h.Tick()
	if h.Sessions() != 1 {
		t.Fatal("session evicted before fallback elapsed")
	}
	*now = now.Add(2 * time.Second)
	h.Tick()
	if h.Sessions() != 0 {
		t.Fatal("session not evicted after fallback")
	}
}

func TestShutdownBroadcastsOncePerSession(t *testing.T) {
	h, rec, _ := testHandshake(t)
	a1 := addr(t, "10.0.0.5:13250")
	a2 := addr(t, "10.0.0.6:13250")
	h.Offer([]byte("ACK"), a1)
	h.Offer([]byte("ACK"), a2)

	h.Shutdown()
	if rec.count("BROADCAST") != 2 {
		t.Fatalf("broadcast sends = %d, want 2", rec.count("BROADCAST"))
	}
	// Second shutdown is a no-op: sessions are gone.
	h.Shutdown()
	if rec.count("BROADCAST") != 2 {
		t.Fatalf("broadcast re-sent after eviction: %d", rec.count("BROADCAST"))
	}
}

func TestControlTokenDetection(t *testing.T) {
	cases := []struct {
		in    []byte
		token string
		ok    bool
	}{
		{[]byte("SUBSCRIBE"), "SUBSCRIBE", true},
		{[]byte("ACK\r\n"), "ACK", true},
		{[]byte{0x5A, 0x5A, 0x01}, "", false},
		{[]byte{}, "", false},
		{make([]byte, 65), "", false},
	}
	for _, c := range cases {
		tok, ok := controlToken(c.in)
		if ok != c.ok || tok != c.token {
			t.Errorf("controlToken(%q) = %q, %v; want %q, %v", c.in, tok, ok, c.token, c.ok)
		}
	}
}

package registry

import (
	"testing"
	"time"
)

func testRegistry(t *testing.T, ttl time.Duration) (*Registry, *time.Time) {
	t.Helper()
	r := New(ttl)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestUpdateResolve(t *testing.T) {
	r, _ := testRegistry(t, 300*time.Second)
	r.Update("01:02:03:04:05:06", "10.0.0.9")
	ip, ok := r.Resolve("010203040506")
	if !ok || ip != "10.0.0.9" {
		t.Fatalf("Resolve = %q, %v", ip, ok)
	}
}

func TestRejectsMalformedDN(t *testing.T) {
	r, _ := testRegistry(t, 300*time.Second)
	r.Update("not-a-dn!", "10.0.0.9")
	r.Update("", "10.0.0.9")
	r.Update("010203040506", "")
	if n := r.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestTTLExpiry(t *testing.T) {
	r, now := testRegistry(t, 300*time.Second)
	r.Update("010203040506", "10.0.0.9")

	*now = now.Add(301 * time.Second)
	if _, ok := r.Resolve("010203040506"); ok {
		t.Fatal("expected stale entry to be evicted on Resolve")
	}
	if snap := r.Snapshot(); len(snap) != 0 {
		t.Fatalf("Snapshot = %v, want empty", snap)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r, _ := testRegistry(t, 300*time.Second)
	r.Update("FFEEDDCCBBAA", "10.0.0.2")
	r.Update("010203040506", "10.0.0.1")
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d", len(snap))
	}
	if snap[0].DN != "010203040506" || snap[1].DN != "FFEEDDCCBBAA" {
		t.Fatalf("snapshot not sorted: %v", snap)
	}
	if snap[0].LastSeen == "" {
		t.Fatal("missing last_seen")
	}
}

func TestUpdateRefreshesTTL(t *testing.T) {
	r, now := testRegistry(t, 300*time.Second)
	r.Update("010203040506", "10.0.0.1")
	*now = now.Add(200 * time.Second)
	r.Update("010203040506", "10.0.0.2")
	*now = now.Add(200 * time.Second)
	ip, ok := r.Resolve("010203040506")
	if !ok || ip != "10.0.0.2" {
		t.Fatalf("Resolve = %q, %v", ip, ok)
	}
}

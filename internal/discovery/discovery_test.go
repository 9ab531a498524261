package discovery

import "testing"

func TestBroadcastAddrsDedupe(t *testing.T) {
	addrs := BroadcastAddrs([]string{"192.168.1.255", "192.168.1.255", "bogus", "0.0.0.0"})
	seen := make(map[string]int)
	for _, a := range addrs {
		seen[a]++
		if a == "bogus" || a == "0.0.0.0" {
			t.Fatalf("invalid target kept: %v", addrs)
		}
	}
	if seen["192.168.1.255"] != 1 {
		t.Fatalf("explicit target duplicated: %v", addrs)
	}
	if seen["255.255.255.255"] != 1 {
		t.Fatalf("limited broadcast missing: %v", addrs)
	}
	// Explicit extras come first.
	if addrs[0] != "192.168.1.255" {
		t.Fatalf("extras not first: %v", addrs)
	}
}

func TestMatchDNByMac(t *testing.T) {
	devices := []Device{
		{"ip": "10.0.0.4", "mac": "aa:bb:cc:dd:ee:ff", "model": "gcu3", "port": float64(22345)},
		{"ip": "10.0.0.5", "mac": "01:02:03:04:05:06", "model": "gcu3", "port": float64(22345)},
	}
	if ip := MatchDN("010203040506", devices); ip != "10.0.0.5" {
		t.Fatalf("MatchDN = %q", ip)
	}
}

func TestMatchDNSingleFallback(t *testing.T) {
	devices := []Device{{"ip": "10.0.0.4", "mac": "aa:bb:cc:dd:ee:ff"}}
	if ip := MatchDN("000000000000", devices); ip != "10.0.0.4" {
		t.Fatalf("single-result fallback = %q", ip)
	}
}

func TestMatchDNNoMatch(t *testing.T) {
	devices := []Device{
		{"ip": "10.0.0.4", "mac": "aa:bb:cc:dd:ee:ff"},
		{"ip": "10.0.0.5", "mac": "11:22:33:44:55:66"},
	}
	if ip := MatchDN("010203040506", devices); ip != "" {
		t.Fatalf("MatchDN = %q, want empty", ip)
	}
}

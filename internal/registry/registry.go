package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/etx-iot/etx/internal/codec"
)

// Entry is one known device.
type Entry struct {
	DN       string    `json:"dn"`
	IP       string    `json:"ip"`
	LastSeen time.Time `json:"-"`
}

// SnapshotEntry is the publish form of an Entry.
type SnapshotEntry struct {
	DN       string `json:"dn"`
	IP       string `json:"ip"`
	LastSeen string `json:"last_seen"`
}

// Registry maps device numbers to the source IP of their most recent frame.
// It is the sole authority the dispatcher consults when a command names a DN
// without an IP. Entries expire ttl after their last update.
type Registry struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*Entry
	now func() time.Time // test hook
}

func New(ttl time.Duration) *Registry {
	return &Registry{
		ttl: ttl,
		m:   make(map[string]*Entry),
		now: time.Now,
	}
}

// Update upserts dn with the given source IP. Malformed DNs are ignored so a
// corrupt frame can never pollute the registry.
func (r *Registry) Update(dn, ip string) {
	hex, err := codec.NormalizeDNHex(dn)
	if err != nil || ip == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[hex]
	if e == nil {
		e = &Entry{DN: hex}
		r.m[hex] = e
	}
	e.IP = ip
	e.LastSeen = now
}

// Resolve returns the IP for dn, evicting it first if stale.
func (r *Registry) Resolve(dn string) (string, bool) {
	hex, err := codec.NormalizeDNHex(dn)
	if err != nil {
		return "", false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[hex]
	if e == nil {
		return "", false
	}
	if now.Sub(e.LastSeen) > r.ttl {
		delete(r.m, hex)
		return "", false
	}
	return e.IP, true
}

// Snapshot evicts stale entries and returns the rest ordered by DN.
func (r *Registry) Snapshot() []SnapshotEntry {
	now := r.now()
	r.mu.Lock()
	out := make([]SnapshotEntry, 0, len(r.m))
	for dn, e := range r.m {
		if now.Sub(e.LastSeen) > r.ttl {
			delete(r.m, dn)
			continue
		}
		out = append(out, SnapshotEntry{
			DN:       e.DN,
			IP:       e.IP,
			LastSeen: e.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out
}

// Len counts stored entries without evicting; stale entries not yet evicted
// are included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

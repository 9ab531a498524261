package bridge

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/etx-iot/etx/internal/broker"
)

// Entry is the latest payload seen for one DN.
type Entry struct {
	DN         string `json:"dn"`
	Topic      string `json:"topic"`
	Payload    any    `json:"payload"`
	ReceivedAt string `json:"received_at"`
}

const listenerBuffer = 20

// Service keeps the latest entry per DN and fans updates out to SSE and
// WebSocket listeners. Slow listeners lose their oldest queued updates
// rather than blocking the broker callback.
type Service struct {
	dnField string

	mu     sync.Mutex
	latest map[string]Entry

	listMu    sync.Mutex
	listeners map[chan Entry]struct{}

	now func() time.Time // test hook
}

func NewService(dnField string) *Service {
	if dnField == "" {
		dnField = "dn"
	}
	return &Service{
		dnField:   dnField,
		latest:    make(map[string]Entry),
		listeners: make(map[chan Entry]struct{}),
		now:       time.Now,
	}
}

// Start subscribes the service to the parsed topic filter.
func (s *Service) Start(client broker.Client, filter string, qos byte) error {
	return client.Subscribe(filter, qos, func(topic string, payload []byte, _ bool) {
		s.HandleMessage(topic, payload)
	})
}

// HandleMessage caches and broadcasts one inbound message.
func (s *Service) HandleMessage(topic string, payload []byte) {
	decoded := decodePayload(payload)
	dn := s.extractDN(topic, decoded)
	entry := Entry{
		DN:         dn,
		Topic:      topic,
		Payload:    decoded,
		ReceivedAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.Lock()
	s.latest[dn] = entry
	s.mu.Unlock()
	s.broadcast(entry)
}

// decodePayload mirrors what browsers expect: JSON when it parses, text when
// it decodes, base64 wrapper for binary.
func decodePayload(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	if !utf8.Valid(payload) {
		return map[string]any{
			"encoding": "base64",
			"data":     base64.StdEncoding.EncodeToString(payload),
		}
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func (s *Service) extractDN(topic string, payload any) string {
	var dnValue any
	if obj, ok := payload.(map[string]any); ok {
		dnValue = obj[s.dnField]
	}
	if arr, ok := payload.([]any); ok && len(arr) > 0 {
		if obj, ok := arr[0].(map[string]any); ok {
			dnValue = obj[s.dnField]
		}
	}
	if dnValue == nil {
		parts := strings.Split(topic, "/")
		if len(parts) >= 4 {
			dnValue = parts[3]
		}
	}
	return normalizeDN(dnValue)
}

// normalizeDN is deliberately lenient: well-formed hex collapses to the
// canonical 12 chars, anything else passes through so operators can still
// find odd senders in the UI.
func normalizeDN(v any) string {
	switch t := v.(type) {
	case nil:
		return "UNKNOWN"
	case float64:
		return fmtHex12(uint64(t))
	case string:
		clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(t))
		if len(clean) >= 12 && isHex(clean) {
			return strings.ToUpper(clean[len(clean)-12:])
		}
		if t == "" {
			return "UNKNOWN"
		}
		return t
	default:
		return "UNKNOWN"
	}
}

func fmtHex12(v uint64) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 12)
	for i := 11; i >= 0; i-- {
		out[i] = digits[v&0xF]
		v >>= 4
	}
	return string(out)
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// Snapshot returns the cache ordered by DN.
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.latest))
	for _, e := range s.latest {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out
}

// Get returns the latest entry for dn.
func (s *Service) Get(dn string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.latest[dn]
	return e, ok
}

// Register adds a listener; the caller must Unregister it when done.
func (s *Service) Register() chan Entry {
	ch := make(chan Entry, listenerBuffer)
	s.listMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listMu.Unlock()
	return ch
}

func (s *Service) Unregister(ch chan Entry) {
	s.listMu.Lock()
	delete(s.listeners, ch)
	s.listMu.Unlock()
}

func (s *Service) broadcast(entry Entry) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- entry:
			continue
		default:
		}
		// Full: drop the oldest queued update, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- entry:
		default:
		}
	}
}

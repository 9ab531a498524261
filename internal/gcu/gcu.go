package gcu

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/etx-iot/etx/internal/logger"
)

// Config controls the subscribe/ACK/broadcast token protocol.
type Config struct {
	SubscribeToken  string
	AckToken        string
	BroadcastToken  string
	Heartbeat       time.Duration
	Fallback        time.Duration // must exceed Heartbeat
	BroadcastOnExit bool
}

// SendFunc delivers a control token to a remote. Wired to the ingress
// socket's WriteToUDPAddrPort in production.
type SendFunc func(token string, addr netip.AddrPort) error

type session struct {
	lastSeen          time.Time
	lastSubscribeSent time.Time
	ackReceived       bool
}

// Handshake opts broadcast-mode devices into unicast. Devices that stop
// hearing SUBSCRIBE fall back to broadcast on their own; devices we stop
// hearing from are evicted after Fallback.
type Handshake struct {
	cfg  Config
	send SendFunc

	mu       sync.Mutex
	sessions map[netip.AddrPort]*session

	now func() time.Time // test hook
}

func New(cfg Config, send SendFunc) *Handshake {
	return &Handshake{
		cfg:      cfg,
		send:     send,
		sessions: make(map[netip.AddrPort]*session),
		now:      time.Now,
	}
}

// SetSender installs the token send function. Used when the socket that
// carries tokens binds after the handshake is constructed; must be called
// before Run.
func (h *Handshake) SetSender(send SendFunc) {
	h.send = send
}

// Offer inspects one inbound datagram. Control tokens are consumed here and
// must not reach the data queue; anything else only refreshes the session.
// Returns true when the datagram was a control token.
func (h *Handshake) Offer(data []byte, addr netip.AddrPort) bool {
	now := h.now()
	token, isToken := controlToken(data)

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[addr]
	if s == nil {
		s = &session{}
		h.sessions[addr] = s
	}
	s.lastSeen = now

	if !isToken {
		return false
	}
	switch token {
	case h.cfg.AckToken:
		s.ackReceived = true
	case h.cfg.BroadcastToken:
		delete(h.sessions, addr)
	case h.cfg.SubscribeToken:
		// Our own token echoed back; consume it silently.
	default:
		return false
	}
	return true
}

// Tick runs one heartbeat pass: evict silent sessions, then send SUBSCRIBE
// to every session that has not been prodded within the heartbeat interval.
// Sends happen outside the lock.
func (h *Handshake) Tick() {
	now := h.now()
	var targets []netip.AddrPort

	h.mu.Lock()
	for addr, s := range h.sessions {
		if now.Sub(s.lastSeen) > h.cfg.Fallback {
			delete(h.sessions, addr)
			continue
		}
		if now.Sub(s.lastSubscribeSent) >= h.cfg.Heartbeat {
			s.lastSubscribeSent = now
			targets = append(targets, addr)
		}
	}
	h.mu.Unlock()

	for _, addr := range targets {
		if err := h.send(h.cfg.SubscribeToken, addr); err != nil {
			logger.Debug("gcu subscribe send failed", "addr", addr.String(), "err", err)
		}
	}
}

// Run drives the heartbeat until ctx is cancelled, then performs shutdown.
func (h *Handshake) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Shutdown sends BROADCAST to every live session (once each) so devices
// revert to broadcast discovery, then forgets all sessions.
func (h *Handshake) Shutdown() {
	h.mu.Lock()
	addrs := make([]netip.AddrPort, 0, len(h.sessions))
	for addr := range h.sessions {
		addrs = append(addrs, addr)
	}
	h.sessions = make(map[netip.AddrPort]*session)
	h.mu.Unlock()

	if !h.cfg.BroadcastOnExit {
		return
	}
	for _, addr := range addrs {
		if err := h.send(h.cfg.BroadcastToken, addr); err != nil {
			logger.Debug("gcu broadcast send failed", "addr", addr.String(), "err", err)
		}
	}
}

// Sessions returns the number of live remotes.
func (h *Handshake) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Acked reports whether addr has acknowledged the subscription.
func (h *Handshake) Acked(addr netip.AddrPort) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[addr]
	return s != nil && s.ackReceived
}

// controlToken decides whether a datagram is an ASCII control token rather
// than sensor data: at most 64 bytes, every byte printable ASCII, with
// trailing whitespace tolerated.
func controlToken(data []byte) (string, bool) {
	if len(data) == 0 || len(data) > 64 {
		return "", false
	}
	end := len(data)
	for end > 0 && (data[end-1] == '\n' || data[end-1] == '\r' || data[end-1] == ' ' || data[end-1] == 0) {
		end--
	}
	if end == 0 {
		return "", false
	}
	for _, b := range data[:end] {
		if b < 0x20 || b > 0x7E {
			return "", false
		}
	}
	return string(data[:end]), true
}

package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etx-iot/etx/internal/logger"
)

// Server exposes the bridge cache over REST, SSE and WebSocket, plus the
// Prometheus endpoint.
type Server struct {
	svc *Service
	mux *http.ServeMux

	clients prometheus.Gauge
}

func NewServer(svc *Service, reg *prometheus.Registry) *Server {
	s := &Server{
		svc: svc,
		mux: http.NewServeMux(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "etx_bridge_stream_clients",
			Help: "Connected SSE/WebSocket clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.clients)
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/latest", s.handleLatestAll)
	s.mux.HandleFunc("GET /api/latest/{dn}", s.handleLatestDN)
	s.mux.HandleFunc("GET /stream", s.handleStream)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLatestAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.svc.Snapshot()})
}

func (s *Server) handleLatestDN(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.svc.Get(r.PathValue("dn"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not-found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleStream is the SSE feed: a snapshot event on connect, then one update
// event per cache change until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.clients.Inc()
	defer s.clients.Dec()

	writeSSE(w, "snapshot", map[string]any{"data": s.svc.Snapshot()})
	flusher.Flush()

	ch := s.svc.Register()
	defer s.svc.Unregister(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			writeSSE(w, "update", entry)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}

// handleWS mirrors the SSE feed over a WebSocket for clients that prefer it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		logger.Debug("ws accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	s.clients.Inc()
	defer s.clients.Dec()

	ctx := r.Context()
	write := func(event string, data any) error {
		body, err := json.Marshal(map[string]any{"event": event, "data": data})
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, body)
	}
	if err := write("snapshot", map[string]any{"data": s.svc.Snapshot()}); err != nil {
		return
	}

	ch := s.svc.Register()
	defer s.svc.Unregister(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := write("update", entry); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

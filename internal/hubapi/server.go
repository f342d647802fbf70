package hubapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fastqm/wsps/internal/core/network"
	"github.com/fastqm/wsps/internal/hub"
)

type Server struct {
	hub      *hub.Hub
	log      zerolog.Logger
	wsOpts   network.WebSocketOptions
	upgrader websocket.Upgrader
}

func NewServer(h *hub.Hub, logger zerolog.Logger, wsOpts network.WebSocketOptions) *Server {
	return &Server{
		hub:    h,
		log:    logger,
		wsOpts: wsOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/hub/stats", s.handleStats)
	mux.HandleFunc("/api/hub/channels", s.handleChannels)
	mux.HandleFunc("/api/hub/publish", s.handlePublish)
	mux.HandleFunc("/api/hub/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns a mux with every route registered, wrapped in request
// logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return RequestLogger(s.log, mux)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "hub unavailable")
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := network.NewWebSocketConn(c, s.wsOpts)
	id, err := s.hub.Attach(context.Background(), conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("attach websocket client")
		return
	}
	s.log.Debug().Str("client", id).Str("remote", r.RemoteAddr).Msg("websocket client connected")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": s.hub.Stats()})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.hub.Channels()})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Channels []string `json:"channels"`
		Data     any      `json:"data"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Channels) == 0 {
		writeError(w, http.StatusBadRequest, "channels required")
		return
	}
	if err := s.hub.Publish(req.Channels, normalizeNumber(req.Data)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	ch, cancel, err := s.hub.Subscribe(channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case d, open := <-ch:
			if !open {
				return
			}
			b, err := json.Marshal(d)
			if err != nil {
				s.log.Warn().Err(err).Str("channel", channel).Msg("encode stream delivery")
				continue
			}
			if _, err := w.Write([]byte("event: publish\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// allow answers CORS preflight and rejects other methods. It reports whether
// the handler should continue.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "hub unavailable")
		return false
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return false
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// normalizeNumber turns a top-level json.Number into int64 when it is
// integral and float64 otherwise so it is published with the matching tag.
func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}
	return n.String()
}

// RequestLogger logs one line per request at a level chosen by status.
func RequestLogger(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := logger.Info()
		if rec.status >= 500 {
			event = logger.Error()
		} else if rec.status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http_request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hubapi: hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

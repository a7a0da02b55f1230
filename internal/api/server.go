// Package api is the HTTP surface of earshot.
//
// Routes:
//
//	GET  /v1/status        detector status, configuration and counters
//	GET  /v1/detections    recent detections, oldest first
//	GET  /v1/audit         recent audit log events, newest first (?limit=N)
//	GET  /v1/events        websocket feed of detections, confirmations,
//	                       status changes and utterances
//	POST /v1/wake/confirm  server-side wake-word confirmation
//	GET  /healthz, /readyz liveness and readiness
//	GET  /metrics          Prometheus scrape endpoint
//	     /mcp              MCP tools over streamable HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earshot/internal/detector"
	"github.com/MrWong99/earshot/internal/eventlog"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/session"
)

// writeTimeout bounds a single event feed write.
const writeTimeout = 5 * time.Second

// Detector is the read side of the detector the API reports on.
// *detector.Detector implements it.
type Detector interface {
	Status() detector.Status
	LastError() error
	Sensitivity() float64
	WakeWords() []string
	History() []detector.Record
	AudioLevel() float64
	Stats() detector.Stats
}

// Config wires the server's collaborators. Only Detector and Hub are
// required; a nil handler leaves its route unregistered.
type Config struct {
	Detector Detector
	Hub      *Hub

	// Confirm serves POST /v1/wake/confirm.
	Confirm http.Handler

	// MCP serves /mcp.
	MCP http.Handler

	// Audit backs GET /v1/audit.
	Audit eventlog.Sink

	Health  *health.Handler
	Metrics *observe.Metrics

	// Session, Participants and Speaking add assistant-session details to
	// the status.
	Session      func() session.Stats
	Participants func() int
	Speaking     func() []string

	// OriginPatterns are the cross-origin hosts allowed on the event feed.
	OriginPatterns []string
}

// Server routes the API. Build it with [New] and serve [Server.Handler].
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New builds the route table.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/detections", s.handleDetections)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	if cfg.Audit != nil {
		s.mux.HandleFunc("GET /v1/audit", s.handleAudit)
	}
	if cfg.Confirm != nil {
		s.mux.Handle("POST /v1/wake/confirm", cfg.Confirm)
	}
	if cfg.MCP != nil {
		s.mux.Handle("/mcp", cfg.MCP)
	}
	if cfg.Health != nil {
		cfg.Health.Register(s.mux)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// Handler returns the routes wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	if s.cfg.Metrics == nil {
		return s.mux
	}
	return observe.Middleware(s.cfg.Metrics)(s.mux)
}

// ErrorBody describes the detector's last failure.
type ErrorBody struct {
	Kind        detector.Kind `json:"kind,omitempty"`
	Message     string        `json:"message"`
	Detail      string        `json:"detail"`
	Recoverable bool          `json:"recoverable"`
}

// NewErrorBody describes err, or returns nil for a nil error.
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{Detail: err.Error()}
	var derr *detector.Error
	if errors.As(err, &derr) {
		body.Kind = derr.Kind
		body.Message = derr.Kind.Message()
		body.Recoverable = derr.Kind.Recoverable()
	}
	return body
}

// StatusChange is the payload of a "status" feed message published on a
// detector transition.
type StatusChange struct {
	Status detector.Status `json:"status"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Status       detector.Status `json:"status"`
	Error        *ErrorBody      `json:"error,omitempty"`
	Sensitivity  float64         `json:"sensitivity"`
	WakeWords    []string        `json:"wakeWords"`
	AudioLevel   float64         `json:"audioLevel"`
	Stats        detector.Stats  `json:"stats"`
	Session      *session.Stats  `json:"session,omitempty"`
	Participants *int            `json:"participants,omitempty"`
	Speaking     []string        `json:"speaking,omitempty"`
}

func (s *Server) status() StatusResponse {
	d := s.cfg.Detector
	res := StatusResponse{
		Status:      d.Status(),
		Sensitivity: d.Sensitivity(),
		WakeWords:   d.WakeWords(),
		AudioLevel:  d.AudioLevel(),
		Stats:       d.Stats(),
	}
	res.Error = NewErrorBody(d.LastError())
	if s.cfg.Session != nil {
		st := s.cfg.Session()
		res.Session = &st
	}
	if s.cfg.Participants != nil {
		n := s.cfg.Participants()
		res.Participants = &n
	}
	if s.cfg.Speaking != nil {
		res.Speaking = s.cfg.Speaking()
	}
	return res
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDetections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"detections": s.cfg.Detector.History()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}
	events, err := s.cfg.Audit.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: read audit log", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit log unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleEvents upgrades to a websocket and streams hub messages until the
// client goes away. The first frame is the current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		slog.Warn("api: event feed upgrade failed", "err", err)
		return
	}
	defer c.CloseNow()

	msgs, cancel := s.cfg.Hub.Subscribe()
	defer cancel()

	// The feed is write-only; CloseRead handles pings and notices the close.
	ctx := c.CloseRead(r.Context())
	slog.Debug("api: event feed client connected", "remote", r.RemoteAddr)

	if err := write(ctx, c, Message{Type: TypeStatus, At: time.Now().UTC(), Data: s.status()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, c, msg); err != nil {
				slog.Debug("api: event feed write failed", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

// Package api exposes the tracking daemon over HTTP: a trigger endpoint
// toggling the refiner's recording window, a status endpoint, and a
// websocket feed of estimated poses.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/refine"
	"github.com/AvatarWorld/deepdive/internal/version"
)

// ANSI escape codes for request logging
const (
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// FilterStatus is the real-time estimator's view for /api/status.
type FilterStatus struct {
	Fused bool   `json:"fused"`
	Mode  string `json:"mode"`
}

// FilterStatusFunc supplies the current filter status; nil when the
// process runs without a real-time filter (refiner only).
type FilterStatusFunc func() FilterStatus

// Server wires the HTTP surface.
type Server struct {
	reg          *device.Registry
	refiner      *refine.Refiner
	filterStatus FilterStatusFunc
	hub          *Hub
	started      time.Time
}

// NewServer builds a server over the given collaborators. filterStatus
// may be nil.
func NewServer(reg *device.Registry, refiner *refine.Refiner, filterStatus FilterStatusFunc, hub *Hub) *Server {
	return &Server{
		reg:          reg,
		refiner:      refiner,
		filterStatus: filterStatus,
		hub:          hub,
		started:      time.Now(),
	}
}

// Routes attaches all handlers to mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/trigger", s.handleTrigger)
	mux.HandleFunc("/api/status", s.handleStatus)
	if s.hub != nil {
		mux.HandleFunc("/ws/pose", s.hub.HandleWS)
	}
}

// TriggerResponse is the body of /api/trigger.
type TriggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	State   string `json:"state"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state, msg, err := s.refiner.Trigger(r.Context())
	resp := TriggerResponse{
		Success: err == nil,
		Message: msg,
		State:   state.String(),
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusConflict
	}
	writeJSON(w, code, resp)
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Version       string        `json:"version"`
	State         string        `json:"state"`
	Trackers      int           `json:"trackers"`
	Lighthouses   int           `json:"lighthouses"`
	Master        string        `json:"master,omitempty"`
	Filter        *FilterStatus `json:"filter,omitempty"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		Version:       version.Version,
		State:         s.refiner.State().String(),
		Trackers:      len(s.reg.Trackers()),
		Lighthouses:   len(s.reg.Lighthouses()),
		Master:        s.reg.Master(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.filterStatus != nil {
		fs := s.filterStatus()
		resp.Filter = &fs
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method, r.URL.Path,
			time.Since(start).Milliseconds())
	})
}

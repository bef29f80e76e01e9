// Package server exposes the link controller over HTTP: a JSON state
// endpoint, a websocket stream of state snapshots and control routes.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/ble/protocol"
	"github.com/chaz8081/pixelble/internal/link"
)

// Controller is the subset of link.Controller the API drives.
type Controller interface {
	Snapshot() link.Snapshot
	SubscribeSnapshots() (<-chan link.Snapshot, func())
	StartScan() error
	StopScan() error
	Connect(address string) error
	Disconnect() error
	Send(in protocol.Instruction) error
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const pingInterval = 20 * time.Second

// Server holds handler dependencies.
type Server struct {
	ctrl Controller
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(ctrl Controller) http.Handler {
	s := &Server{ctrl: ctrl}

	mux := http.NewServeMux()

	// State
	mux.HandleFunc("GET /api/v1/state", s.state)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	// Discovery
	mux.HandleFunc("POST /api/v1/scan/start", s.startScan)
	mux.HandleFunc("POST /api/v1/scan/stop", s.stopScan)

	// Session
	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)
	mux.HandleFunc("POST /api/v1/command", s.command)

	return withLogging(mux)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	s.accept(w, s.ctrl.StartScan())
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	s.accept(w, s.ctrl.StopScan())
}

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		http.Error(w, "address must not be empty", http.StatusBadRequest)
		return
	}
	s.accept(w, s.ctrl.Connect(req.Address))
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.accept(w, s.ctrl.Disconnect())
}

type commandRequest struct {
	// Instruction uses the shell syntax: "all B R G B", "pixel I B R G B"
	// or "clear".
	Instruction string `json:"instruction"`
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	in, err := protocol.ParseInstruction(strings.Fields(req.Instruction))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.accept(w, s.ctrl.Send(in))
}

// accept maps a controller acknowledgment to a response.
func (s *Server) accept(w http.ResponseWriter, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, link.ErrBusy), errors.Is(err, ble.ErrScanInProgress), errors.Is(err, ble.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ble.ErrScanUnavailable), errors.Is(err, link.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ble.ErrWriteFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// eventStream pushes a snapshot on connect and after every change.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.ctrl.SubscribeSnapshots()
	defer unsub()

	// Drain client frames so close and pong control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				slog.Debug("[API] ws write", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Debug("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.code,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// Package web exposes the call queue to operators and callers: a small REST
// API for queue actions plus WebSocket push of change events.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"goji.io"
	"goji.io/pat"

	"github.com/liftover/callqueue"
	"github.com/liftover/callqueue/queue"
	"github.com/liftover/callqueue/signal"
)

// Config configures the web server.
type Config struct {
	// ProgramFeedURL is handed to admitted callers so they can watch the
	// broadcast while they wait.
	ProgramFeedURL string
}

// A Server serves the operator and caller API over HTTP and WebSockets.
type Server struct {
	orch     *queue.Orchestrator
	signaler *signal.Signaler
	cfg      Config
	logger   golog.Logger

	workers    *callqueue.StoppableWorkers
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer returns a new web server around the orchestrator.
func NewServer(ctx context.Context, orch *queue.Orchestrator, signaler *signal.Signaler, cfg Config, logger golog.Logger) *Server {
	return &Server{
		orch:     orch,
		signaler: signaler,
		cfg:      cfg,
		logger:   logger.Named("web"),
		workers:  callqueue.NewStoppableWorkers(ctx),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operators and callers connect from pages we do not serve here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the server's route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Handle(pat.Post("/api/join"), http.HandlerFunc(s.handleJoin))
	mux.Handle(pat.Post("/api/offer/:callerID"), http.HandlerFunc(s.handleOffer))
	mux.Handle(pat.Post("/api/approve/:callerID"), http.HandlerFunc(s.handleApprove))
	mux.Handle(pat.Post("/api/take/:callerID"), http.HandlerFunc(s.handleTake))
	mux.Handle(pat.Post("/api/next-caller"), http.HandlerFunc(s.handleNextCaller))
	mux.Handle(pat.Post("/api/end/:slotID"), http.HandlerFunc(s.handleEnd))
	mux.Handle(pat.Post("/api/leave/:callerID"), http.HandlerFunc(s.handleLeave))
	mux.Handle(pat.Get("/api/status"), http.HandlerFunc(s.handleStatus))
	mux.Handle(pat.Get("/api/events"), http.HandlerFunc(s.handleEvents))
	mux.Handle(pat.Get("/ws/operator"), http.HandlerFunc(s.handleOperatorSocket))
	mux.Handle(pat.Get("/ws/caller/:callerID"), http.HandlerFunc(s.handleCallerSocket))
	return mux
}

// Serve serves the API on the given listener until Close.
func (s *Server) Serve(listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the HTTP server down and stops all socket pumps.
func (s *Server) Close() error {
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}
	s.workers.Stop()
	return err
}

type joinRequest struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

type joinResponse struct {
	CallerID          string `json:"caller_id"`
	ScreeningPosition int    `json:"screening_position"`
	ProgramFeedURL    string `json:"program_feed_url,omitempty"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		req.Name = "Anonymous"
	}
	if req.Topic == "" {
		req.Topic = "No topic provided"
	}
	caller, pos := s.orch.Admit(req.Name, req.Topic)
	writeJSON(w, http.StatusOK, joinResponse{
		CallerID:          caller.ID,
		ScreeningPosition: pos,
		ProgramFeedURL:    s.cfg.ProgramFeedURL,
	})
}

type offerRequest struct {
	SDP string `json:"sdp"`
}

type offerResponse struct {
	SDP string `json:"sdp"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	callerID := pat.Param(r, "callerID")
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	handle, err := s.signaler.Answer(callerID, req.SDP)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.orch.RegisterMedia(callerID, handle); err != nil {
		writeError(w, statusFor(err), multierr.Combine(err, handle.Close()))
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{SDP: handle.AnswerSDP()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	pos, err := s.orch.Approve(pat.Param(r, "callerID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "position": pos})
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	slotID, err := s.orch.Take(r.Context(), pat.Param(r, "callerID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "slot_id": slotID})
}

func (s *Server) handleNextCaller(w http.ResponseWriter, r *http.Request) {
	caller, slotID, err := s.orch.TakeNext(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"caller":  caller.Name,
		"slot_id": slotID,
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.End(r.Context(), pat.Param(r, "slotID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.orch.Disconnect(r.Context(), pat.Param(r, "callerID"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = parsed
	}
	writeJSON(w, http.StatusOK, s.orch.Fanout().EventsSince(since))
}

// statusFor maps queue errors onto HTTP statuses. Capacity exhaustion is a
// retryable condition, not a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNoSlotAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrConflict), errors.Is(err, queue.ErrNoMedia):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		golog.Global().Debugw("error writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]interface{}{"error": err.Error()})
}

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goji.io/pat"

	"github.com/liftover/callqueue/queue"
)

const (
	socketWriteWait = 10 * time.Second
	socketPingEvery = 30 * time.Second
)

// socketMessage is the envelope every push message travels in. A snapshot is
// sent first; change events follow in emission order.
type socketMessage struct {
	Type     string             `json:"type"`
	Snapshot *queue.Snapshot    `json:"snapshot,omitempty"`
	Event    *queue.ChangeEvent `json:"event,omitempty"`
}

// handleOperatorSocket streams every change event to an operator view,
// preceded by a full snapshot so the view never depends on log replay.
func (s *Server) handleOperatorSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, "")
}

// handleCallerSocket streams change events to a single caller's page. When
// the socket closes, the caller is treated as disconnected, mirroring how a
// hung-up phone leaves the queue.
func (s *Server) handleCallerSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, pat.Param(r, "callerID"))
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, callerID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("error upgrading socket", "error", err)
		return
	}

	sub := s.orch.Fanout().Subscribe()
	closed := make(chan struct{})

	// Read pump: we never expect payloads, but reading is how gorilla
	// surfaces close frames and pongs.
	if err := s.workers.Add(func(ctx context.Context) {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}); err != nil {
		s.orch.Fanout().Unsubscribe(sub)
		_ = conn.Close()
		return
	}

	if err := s.workers.Add(func(ctx context.Context) {
		defer func() {
			s.orch.Fanout().Unsubscribe(sub)
			if err := conn.Close(); err != nil {
				s.logger.Debugw("error closing socket", "error", err)
			}
			if callerID != "" {
				// The page went away; the caller leaves the queue.
				s.orch.Disconnect(context.Background(), callerID)
			}
		}()

		snap := s.orch.Status()
		if !s.writeSocket(conn, socketMessage{Type: "snapshot", Snapshot: &snap}) {
			return
		}

		ping := time.NewTicker(socketPingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if !s.writeSocket(conn, socketMessage{Type: "event", Event: &event}) {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
					return
				}
			}
		}
	}); err != nil {
		s.orch.Fanout().Unsubscribe(sub)
		_ = conn.Close()
	}
}

func (s *Server) writeSocket(conn *websocket.Conn, msg socketMessage) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return false
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debugw("error writing to socket", "error", err)
		return false
	}
	return true
}

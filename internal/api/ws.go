package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/react-agent/internal/events"
	"github.com/nugget/react-agent/internal/session"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second

	// eventBuffer is the per-connection event channel size. A client
	// that falls further behind misses events.
	eventBuffer = 64

	// frameBuffer is how many turn frames a client may queue behind the
	// running turn. Further frames wait in the socket.
	frameBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TurnFrame is the server's reply to one inbound TurnRequest frame.
// Exactly one of Reply or Error is set.
type TurnFrame struct {
	Reply *session.Reply `json:"reply,omitempty"`
	Error string         `json:"error,omitempty"`
}

// handleTurnSocket runs one turn per inbound JSON frame on session id.
// Frames are handled in order; the reply frame carries the new messages.
// The session is created on the first turn if it does not exist. A
// reader goroutine keeps reading while a turn runs, so a peer that
// closes the socket cancels the turn in flight.
func (s *Server) handleTurnSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("session_id", id, "remote", r.RemoteAddr)
	log.Debug("turn socket opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan TurnRequest, frameBuffer)
	go func() {
		defer cancel()
		defer close(frames)
		for {
			var req TurnRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("turn socket closed")
				} else {
					log.Debug("turn socket read failed", "error", err)
				}
				return
			}
			select {
			case frames <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var req TurnRequest
		select {
		case <-ctx.Done():
			return
		case next, ok := <-frames:
			if !ok {
				return
			}
			req = next
		}

		var frame TurnFrame
		reply, err := s.host.SubmitTurn(ctx, id, req.Message, req.SideChannel)
		if ctx.Err() != nil {
			log.Debug("turn abandoned by peer", "error", ctx.Err())
			return
		}
		if err != nil {
			frame.Error = err.Error()
		} else {
			frame.Reply = &reply
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.Debug("turn socket write failed", "error", err)
			return
		}
	}
}

// handleEventSocket streams bus events as JSON frames. The optional
// session_id query parameter keeps only events for that session.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not enabled")
		return
	}
	filter := r.URL.Query().Get("session_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)

	// Inbound frames are ignored; reading surfaces the client's close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !eventMatches(e, filter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event socket write failed", "error", err)
				return
			}
		}
	}
}

// eventMatches reports whether e passes the session filter. An empty
// filter passes everything.
func eventMatches(e events.Event, sessionID string) bool {
	return sessionID == "" || e.Data["session_id"] == sessionID
}

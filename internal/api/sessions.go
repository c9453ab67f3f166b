package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nugget/react-agent/internal/session"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// CreateSessionRequest is the optional body of POST /v1/sessions.
type CreateSessionRequest struct {
	ID string `json:"id,omitempty"`
}

// TurnRequest submits one user turn, over HTTP or as a WebSocket frame.
type TurnRequest struct {
	Message     string         `json:"message"`
	SideChannel map[string]any `json:"side_channel,omitempty"`
}

// decodeBody decodes a JSON body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := s.host.Create(req.ID)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/sessions/"+id)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": id}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	list := s.host.List()
	if list == nil {
		list = []session.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": list}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.host.Snapshot(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Delete(r.PathValue("id")); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTurn runs one turn to completion and returns the new messages.
// The turn is bound to the request context; a client that disconnects
// cancels it.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	reply, err := s.host.SubmitTurn(r.Context(), r.PathValue("id"), req.Message, req.SideChannel)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reply, s.logger)
}

func (s *Server) handleSideChannel(w http.ResponseWriter, r *http.Request) {
	var update map[string]any
	if err := decodeBody(r, w, &update); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.host.UpdateSideChannel(r.Context(), r.PathValue("id"), update); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

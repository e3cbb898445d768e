package handlers

import (
	"fmt"
	"net/http"

	"lumos-proxy/work/relay"
	"lumos-proxy/work/session"

	"github.com/gorilla/mux"
)

// SessionResponse is the API view of one relay and its session.
type SessionResponse struct {
	ID      string `json:"id"`
	Channel string `json:"channel,omitempty"`
	Clients int    `json:"clients"`
	session.Snapshot
}

// StartRequest starts a channel session or an ad-hoc one on explicit
// candidates. Exactly one of the two must be set.
type StartRequest struct {
	Channel    string                    `json:"channel,omitempty"`
	Candidates []session.StreamCandidate `json:"candidates,omitempty"`
}

func sessionResponse(r *relay.Relay) SessionResponse {
	snap := r.Controller().Snapshot()
	for i := range snap.Candidates {
		snap.Candidates[i].AuthHeaders = nil
	}
	return SessionResponse{
		ID:       r.ID(),
		Channel:  r.Channel(),
		Clients:  r.Clients(),
		Snapshot: snap,
	}
}

func (s *Server) relayFor(w http.ResponseWriter, r *http.Request) (*relay.Relay, bool) {
	id := mux.Vars(r)["id"]
	rl, ok := s.relays.Get(id)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: %s", relay.ErrSessionEnded, id))
		return nil, false
	}
	return rl, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	relays := s.relays.List()
	out := make([]SessionResponse, 0, len(relays))
	for _, rl := range relays {
		out = append(out, sessionResponse(rl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if (req.Channel == "") == (req.Candidates == nil) {
		s.writeError(w, r, fmt.Errorf("%w: set either channel or candidates", session.ErrInvalidInput))
		return
	}

	var (
		rl  *relay.Relay
		err error
	)
	if req.Channel != "" {
		rl, err = s.relays.StartChannel(req.Channel)
	} else {
		rl, err = s.relays.StartAdhoc(req.Candidates)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("{handlers/sessions - handleStartSession} started session %s", rl.ID())
	writeJSON(w, http.StatusCreated, sessionResponse(rl))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.relayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(rl))
}

func (s *Server) handleDisposeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.relays.Close(id) {
		s.writeError(w, r, fmt.Errorf("%w: %s", relay.ErrSessionEnded, id))
		return
	}
	s.log.Info("{handlers/sessions - handleDisposeSession} disposed session %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.relayFor(w, r)
	if !ok {
		return
	}
	status, err := rl.Controller().TogglePlayback()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]session.Status{"status": status})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.relayFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Position *float64 `json:"position"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Position == nil {
		s.writeError(w, r, fmt.Errorf("%w: position is required", session.ErrInvalidInput))
		return
	}
	pos, err := rl.Controller().Seek(*req.Position)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"position": pos})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.relayFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Volume *float64 `json:"volume"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Volume == nil {
		s.writeError(w, r, fmt.Errorf("%w: volume is required", session.ErrInvalidInput))
		return
	}
	vol, err := rl.Controller().SetVolume(*req.Volume)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"volume": vol})
}

func (s *Server) handleFullscreen(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.relayFor(w, r)
	if !ok {
		return
	}
	on, err := rl.Controller().ToggleFullscreen()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"fullscreen": on})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.relayFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Index *int `json:"index"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Index == nil {
		s.writeError(w, r, fmt.Errorf("%w: index is required", session.ErrInvalidInput))
		return
	}
	if err := rl.Controller().SelectCandidate(*req.Index); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(rl))
}

// handleRestart restarts a session, on new candidates when the body carries
// them and on a fresh list otherwise.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidates []session.StreamCandidate `json:"candidates"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rl, err := s.relays.Restart(mux.Vars(r)["id"], req.Candidates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(rl))
}

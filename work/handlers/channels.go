package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"lumos-proxy/work/catalog"
	"lumos-proxy/work/session"
	"lumos-proxy/work/utils"

	"github.com/gorilla/mux"
)

// ChannelResponse is the API view of a catalog channel.
type ChannelResponse struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	Group    string `json:"group,omitempty"`
	Streams  int    `json:"streams"`
	Status   string `json:"status,omitempty"` // status of the channel's session, if any
	Clients  int    `json:"clients"`
	Playlist string `json:"url"`
}

// StreamInfo describes one stream of a channel in candidate order.
type StreamInfo struct {
	Index     int    `json:"index"`
	URL       string `json:"url"`
	Quality   string `json:"quality,omitempty"`
	Source    string `json:"source,omitempty"`
	Preferred bool   `json:"preferred,omitempty"`
	Dead      bool   `json:"dead,omitempty"`
}

// StatsResponse summarises the running proxy.
type StatsResponse struct {
	Channels      int            `json:"channels"`
	Sessions      int            `json:"sessions"`
	Viewers       int64          `json:"viewers"`
	Sources       int            `json:"sources"`
	Uptime        string         `json:"uptime"`
	MemoryUsage   string         `json:"memoryUsage"`
	WorkerThreads int            `json:"workerThreads"`
	Store         map[string]int `json:"store,omitempty"`
}

var startedAt = time.Now()

func (s *Server) channelFor(w http.ResponseWriter, r *http.Request) (*catalog.Channel, bool) {
	name, err := url.PathUnescape(mux.Vars(r)["channel"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid channel name", session.ErrInvalidInput))
		return nil, false
	}
	ch, ok := s.catalog.Channel(name)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: %s", catalog.ErrUnknownChannel, name))
		return nil, false
	}
	return ch, true
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if s.store == nil {
		s.writeError(w, r, errNoStore)
		return false
	}
	return true
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.catalog.Channels()
	out := make([]ChannelResponse, 0, len(channels))
	for _, ch := range channels {
		resp := ChannelResponse{
			Name:     ch.Name,
			Key:      ch.SafeName(),
			Group:    ch.Group(),
			Streams:  len(ch.Streams),
			Playlist: fmt.Sprintf("%s/stream/%s", s.cfg.BaseURL, ch.SafeName()),
		}
		if rl, ok := s.relays.Get(ch.SafeName()); ok {
			resp.Status = rl.Controller().Status().String()
			resp.Clients = rl.Clients()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelStreams(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFor(w, r)
	if !ok {
		return
	}
	cands, err := s.catalog.Candidates(ch.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var dead map[string]struct{}
	if s.store != nil {
		if dead, err = s.store.DeadStreamSet(ch.SafeName()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	// candidates leave out dead streams while live ones remain; list them last
	out := make([]StreamInfo, 0, len(ch.Streams))
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		info := StreamInfo{Index: len(out), URL: c.URL, Quality: c.QualityLabel, Preferred: c.Preferred}
		if src := s.catalog.SourceOf(ch.Name, c.URL); src != nil {
			info.Source = src.Name
		}
		_, info.Dead = dead[c.URL]
		seen[c.URL] = true
		out = append(out, info)
	}
	for _, st := range ch.Streams {
		if seen[st.URL] {
			continue
		}
		info := StreamInfo{Index: len(out), URL: st.URL, Quality: st.Quality, Dead: true}
		if st.Source != nil {
			info.Source = st.Source.Name
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	ch, ok := s.channelFor(w, r)
	if !ok {
		return
	}
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	known := make(map[string]bool, len(ch.Streams))
	for _, st := range ch.Streams {
		known[st.URL] = true
	}
	if len(req.URLs) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: urls must not be empty", session.ErrInvalidInput))
		return
	}
	for _, u := range req.URLs {
		if !known[u] {
			s.writeError(w, r, fmt.Errorf("%w: %s is not a stream of %s", session.ErrInvalidInput, utils.LogURL(s.cfg, u), ch.Name))
			return
		}
	}

	if err := s.store.SaveStreamOrder(ch.SafeName(), req.URLs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("{handlers/channels - handleSetOrder} %s: stream order updated (%d streams)", ch.Name, len(req.URLs))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	ch, ok := s.channelFor(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteStreamOrder(ch.SafeName()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("{handlers/channels - handleDeleteOrder} %s: stream order reset", ch.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	ch, ok := s.channelFor(w, r)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.store.ReviveStream(ch.SafeName(), req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("{handlers/channels - handleRevive} %s: revived %d streams", ch.Name, n)
	writeJSON(w, http.StatusOK, map[string]int64{"revived": n})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive number", session.ErrInvalidInput))
			return
		}
		limit = n
	}
	outcomes, err := s.store.RecentOutcomes(limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := StatsResponse{
		Channels:      len(s.catalog.Channels()),
		Sessions:      len(s.relays.List()),
		Viewers:       s.viewers.Load(),
		Sources:       len(s.cfg.Sources),
		Uptime:        time.Since(startedAt).Round(time.Second).String(),
		MemoryUsage:   utils.FormatBytes(int64(mem.Alloc)),
		WorkerThreads: s.cfg.WorkerThreads,
	}
	if s.store != nil {
		stats, err := s.store.Stats()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Store = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Minute)
	defer cancel()
	if err := s.catalog.Import(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"channels": len(s.catalog.Channels())})
}

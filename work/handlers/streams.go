package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"lumos-proxy/work/client"
	"lumos-proxy/work/relay"

	"github.com/gorilla/mux"
)

var errTooManyViewers = errors.New("too many viewers")

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	group, err := url.PathUnescape(mux.Vars(r)["group"])
	if err != nil {
		http.Error(w, "invalid group", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, s.catalog.Playlist(group))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	channel, err := url.PathUnescape(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	s.serveViewer(w, r, channel, func(crw *client.CustomResponseWriter) error {
		return s.relays.Serve(r.Context(), channel, crw, crw.Flush)
	})
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.serveViewer(w, r, id, func(crw *client.CustomResponseWriter) error {
		return s.relays.ServeSession(r.Context(), id, crw, crw.Flush)
	})
}

// serveViewer runs one viewer connection. Errors raised before the first
// byte become HTTP errors; after that the connection is just closed.
func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request, name string, serve func(*client.CustomResponseWriter) error) {
	if limit := s.cfg.MaxConnectionsToApp; limit > 0 && s.viewers.Load() >= int64(limit) {
		s.log.Warn("{handlers/streams - serveViewer} %s: rejecting viewer from %s, limit %d reached", name, r.RemoteAddr, limit)
		http.Error(w, errTooManyViewers.Error(), http.StatusServiceUnavailable)
		return
	}
	s.viewers.Add(1)
	defer s.viewers.Add(-1)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	crw := client.NewCustomResponseWriter(w)

	s.log.Debug("{handlers/streams - serveViewer} %s: viewer %s connected", name, r.RemoteAddr)
	err := serve(crw)
	switch {
	case err == nil:
		s.log.Debug("{handlers/streams - serveViewer} %s: viewer %s disconnected", name, r.RemoteAddr)
	case crw.WroteHeader:
		s.log.Info("{handlers/streams - serveViewer} %s: stream ended for %s: %v", name, r.RemoteAddr, err)
	default:
		w.Header().Del("X-Content-Type-Options")
		status := statusFor(err)
		// a channel relay only ends under a viewer when it is disposed
		if errors.Is(err, relay.ErrSessionEnded) && mux.Vars(r)["channel"] != "" {
			status = http.StatusServiceUnavailable
		}
		s.log.Warn("{handlers/streams - serveViewer} %s: %v", name, err)
		http.Error(w, err.Error(), status)
	}
}

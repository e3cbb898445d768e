package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"lumos-proxy/work/catalog"
	"lumos-proxy/work/config"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/middleware"
	"lumos-proxy/work/relay"
	"lumos-proxy/work/session"
	"lumos-proxy/work/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds everything the HTTP surface needs.
type Server struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	relays  *relay.Manager
	store   *store.Store
	log     *logger.Logger

	viewers atomic.Int64
}

// New creates the HTTP surface. st may be nil, in which case the channel
// order, revive and outcome endpoints answer 503.
func New(cfg *config.Config, cat *catalog.Catalog, relays *relay.Manager, st *store.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:     cfg,
		catalog: cat,
		relays:  relays,
		store:   st,
		log:     log.Named("http"),
	}
}

// Router wires every route.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/playlist", middleware.Gzip(s.handlePlaylist)).Methods(http.MethodGet)
	router.HandleFunc("/{group}/playlist", middleware.Gzip(s.handlePlaylist)).Methods(http.MethodGet)
	router.HandleFunc("/stream/{channel}", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/stream/session/{id}", s.handleSessionStream).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.CORS, middleware.AdminAuth(s.cfg.AdminTokenHash))

	api.HandleFunc("/sessions", middleware.Gzip(s.handleListSessions)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", middleware.Gzip(s.handleGetSession)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", s.handleDisposeSession).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/toggle", s.handleToggle).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/seek", s.handleSeek).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/volume", s.handleVolume).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/fullscreen", s.handleFullscreen).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/select", s.handleSelect).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/restart", s.handleRestart).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/channels", middleware.Gzip(s.handleListChannels)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/channels/{channel}/streams", middleware.Gzip(s.handleChannelStreams)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/channels/{channel}/order", s.handleSetOrder).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/channels/{channel}/order", s.handleDeleteOrder).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/channels/{channel}/revive", s.handleRevive).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/outcomes", middleware.Gzip(s.handleOutcomes)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", middleware.Gzip(s.handleStats)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/import", s.handleImport).Methods(http.MethodPost, http.MethodOptions)

	return router
}

type errorResponse struct {
	Error string            `json:"error"`
	Kind  session.ErrorKind `json:"kind,omitempty"`
}

var errNoStore = errors.New("persistence is not configured")

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnknownChannel), errors.Is(err, relay.ErrSessionEnded):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrPlaybackFailed):
		return http.StatusBadGateway
	case errors.Is(err, errNoStore):
		return http.StatusServiceUnavailable
	}

	switch session.KindOf(err) {
	case session.KindInvalidInput:
		return http.StatusBadRequest
	case session.KindInvalidState:
		return http.StatusConflict
	case session.KindUnsupportedOperation:
		return http.StatusNotImplemented
	case session.KindSourceExhausted, session.KindUnstablePlayback, session.KindTransientDecoder:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("{handlers/handlers - writeError} %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		s.log.Debug("{handlers/handlers - writeError} %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: session.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequest{err: err}
	}
	return nil
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid request body: " + e.err.Error() }
func (e *badRequest) Unwrap() error { return session.ErrInvalidInput }

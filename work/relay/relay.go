package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"lumos-proxy/work/buffer"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/metrics"
	"lumos-proxy/work/session"
	"lumos-proxy/work/store"
	"lumos-proxy/work/utils"
)

var (
	// ErrPlaybackFailed is returned to viewers of a session that gave up.
	ErrPlaybackFailed = errors.New("playback failed")
	// ErrSessionEnded is returned to viewers of a disposed session.
	ErrSessionEnded = errors.New("session ended")

	errRelayClosed = errors.New("relay closed")
)

const (
	readChunk    = 64 * 1024
	readInterval = 50 * time.Millisecond
)

// Relay fans one playback session out to any number of viewers. Channel
// relays start their session when the first viewer arrives; ad-hoc relays
// are started explicitly with a fixed candidate list.
type Relay struct {
	id      string
	channel string // empty for ad-hoc sessions
	m       *Manager
	ctrl    *session.Controller
	sink    *buffer.MediaSink
	display *Display
	log     *logger.Logger

	lastActivity atomic.Int64
	clientSeq    atomic.Uint64

	mu      sync.Mutex
	clients map[string]struct{}
	run     *run
	closed  bool
}

// run is one Start..Failed/Ended span of the session.
type run struct {
	done   chan struct{}
	cancel func()
	finish sync.Once

	// guarded by Manager.slotMu
	sourceURL string // source holding a connection slot, if any
	released  bool
}

func newRelay(m *Manager, id, channel string) (*Relay, error) {
	r := &Relay{
		id:      id,
		channel: channel,
		m:       m,
		sink:    buffer.NewMediaSink(m.bufferSize),
		display: NewDisplay(m.opts.Capabilities.Fullscreen),
		log:     m.log,
		clients: make(map[string]struct{}),
	}

	ctrl, err := session.New(session.Options{
		Name:          id,
		Decoders:      m.opts.Decoders(id),
		Sink:          r.sink,
		Presentation:  r.display,
		Capabilities:  m.opts.Capabilities,
		Policy:        m.opts.Policy,
		Classifier:    m.opts.Classifier,
		FallbackDelay: m.opts.FallbackDelay,
		Logger:        m.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.ctrl = ctrl
	r.touch()
	return r, nil
}

// ID is the relay's session id.
func (r *Relay) ID() string { return r.id }

// Channel is the catalog channel the relay plays, or "" for ad-hoc sessions.
func (r *Relay) Channel() string { return r.channel }

// Controller exposes the session for playback intents.
func (r *Relay) Controller() *session.Controller { return r.ctrl }

// Clients returns the number of attached viewers.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Relay) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

func (r *Relay) idleSince() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

// start begins a session on candidates unless one is already running.
func (r *Relay) start(candidates []session.StreamCandidate) (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRelayClosed
	}
	if r.run != nil {
		return r.run, nil
	}
	return r.startLocked(candidates)
}

// restart replaces the running session, if any, with candidates.
func (r *Relay) restart(candidates []session.StreamCandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRelayClosed
	}
	if err := session.ValidateCandidates(candidates); err != nil {
		return err
	}
	if prev := r.run; prev != nil {
		r.run = nil
		r.finishRun(prev)
	}
	_, err := r.startLocked(candidates)
	return err
}

func (r *Relay) startLocked(candidates []session.StreamCandidate) (*run, error) {
	if candidates == nil && r.channel == "" {
		return nil, ErrSessionEnded
	}
	if candidates == nil {
		var err error
		if candidates, err = r.m.opts.Catalog.Candidates(r.channel); err != nil {
			return nil, err
		}
		candidates = r.m.deprioritizeSaturated(r.channel, candidates)
	}
	if err := session.ValidateCandidates(candidates); err != nil {
		return nil, err
	}

	r.sink.Reset()
	updates, cancel := r.ctrl.Subscribe(64)
	rn := &run{done: make(chan struct{}), cancel: cancel}
	r.run = rn
	go r.watch(rn, updates)

	if err := r.ctrl.Start(candidates); err != nil {
		r.run = nil
		r.finishRun(rn)
		return nil, err
	}
	r.log.Info("{relay/relay - start} %s: session started with %d candidates", r.id, len(candidates))
	return rn, nil
}

// watch follows session updates for one run: it moves the source connection
// slot along with the active candidate and records how the run ended.
func (r *Relay) watch(rn *run, updates <-chan session.Update) {
	for upd := range updates {
		snap := upd.Snapshot
		if upd.Notice != "" {
			r.log.Debug("{relay/relay - watch} %s: %s", r.id, upd.Notice)
		}

		activeURL := ""
		if cand, ok := snap.Active(); ok {
			activeURL = cand.URL
		}
		r.m.moveSlot(r.channel, rn, activeURL)

		switch snap.Status {
		case session.StatusFailed, session.StatusEnded:
			r.recordOutcome(snap)
			r.mu.Lock()
			if r.run == rn {
				r.run = nil
			}
			r.mu.Unlock()
			r.finishRun(rn)
		}
	}
}

// finishRun releases a run's resources. Safe to call more than once.
func (r *Relay) finishRun(rn *run) {
	rn.finish.Do(func() {
		r.m.moveSlot(r.channel, rn, "")
		close(rn.done)
		rn.cancel()
	})
}

func (r *Relay) recordOutcome(snap session.Snapshot) {
	o := store.Outcome{
		Session:    r.id,
		Channel:    r.channel,
		Status:     snap.Status.String(),
		Kind:       snap.FailureKind.String(),
		Message:    snap.Message,
		Fallbacks:  snap.ActiveIndex,
		Recoveries: snap.RecoveryAttempts,
	}
	if snap.ActiveIndex >= 0 && snap.ActiveIndex < len(snap.Candidates) {
		o.URL = snap.Candidates[snap.ActiveIndex].URL
	}

	if st := r.m.opts.Store; st != nil {
		if err := st.RecordOutcome(o); err != nil {
			r.log.Warn("{relay/relay - recordOutcome} %s: %v", r.id, err)
		}
	}
	if snap.Status != session.StatusFailed {
		return
	}

	r.log.Warn("{relay/relay - recordOutcome} %s: playback failed (%s): %s", r.id, snap.FailureKind, snap.Message)
	if r.channel == "" || r.m.opts.Store == nil {
		return
	}

	var dead []string
	switch snap.FailureKind {
	case session.KindSourceExhausted:
		for _, c := range snap.Candidates {
			dead = append(dead, c.URL)
		}
	case session.KindUnstablePlayback:
		if o.URL != "" {
			dead = append(dead, o.URL)
		}
	}
	for _, u := range dead {
		if err := r.m.opts.Store.MarkStreamDead(r.channel, u, snap.Message); err != nil {
			r.log.Warn("{relay/relay - recordOutcome} %s: cannot mark %s dead: %v", r.id, utils.LogURL(r.m.opts.Config, u), err)
		}
	}
}

// Serve streams the session's media to w until ctx ends or the session
// stops. flush is called after every write.
func (r *Relay) Serve(ctx context.Context, w io.Writer, flush func()) error {
	rn, err := r.start(nil)
	if err != nil {
		return err
	}

	id := fmt.Sprintf("%s-%d", r.id, r.clientSeq.Add(1))
	if err := r.addClient(id); err != nil {
		return err
	}
	defer r.removeClient(id)

	ring := r.sink.Ring()
	ticker := time.NewTicker(readInterval)
	defer ticker.Stop()

	for {
		if data := ring.ReadNext(id, readChunk); len(data) > 0 {
			if _, err := w.Write(data); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
			metrics.BytesTransferred.WithLabelValues(r.id, "downstream").Add(float64(len(data)))
			r.touch()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-rn.done:
			snap := r.ctrl.Snapshot()
			if snap.Status == session.StatusFailed {
				return fmt.Errorf("%w: %s", ErrPlaybackFailed, snap.Message)
			}
			return ErrSessionEnded
		case <-ticker.C:
		}
	}
}

func (r *Relay) addClient(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRelayClosed
	}
	r.clients[id] = struct{}{}
	r.touch()
	metrics.ClientsConnected.WithLabelValues(r.id).Set(float64(len(r.clients)))
	r.log.Debug("{relay/relay - addClient} %s: client %s connected, total %d", r.id, id, len(r.clients))
	return nil
}

func (r *Relay) removeClient(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	count := len(r.clients)
	r.mu.Unlock()

	r.sink.Ring().RemoveClient(id)
	r.touch()
	metrics.ClientsConnected.WithLabelValues(r.id).Set(float64(count))
	r.log.Debug("{relay/relay - removeClient} %s: client %s disconnected, remaining %d", r.id, id, count)
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// closeIfIdle marks the relay closed when it has had no viewers since
// cutoff. A closed relay accepts no new viewers or starts.
func (r *Relay) closeIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.clients) > 0 || r.idleSince().After(cutoff) {
		return false
	}
	r.closed = true
	return true
}

// closeIfUnused marks the relay closed when no run is active and no viewer is
// attached.
func (r *Relay) closeIfUnused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.run != nil || len(r.clients) > 0 {
		return false
	}
	r.closed = true
	return true
}

// shutdown disposes the session and frees the sink. The relay cannot be
// reused afterwards.
func (r *Relay) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.ctrl.Dispose()

	r.mu.Lock()
	rn := r.run
	r.run = nil
	r.mu.Unlock()
	if rn != nil {
		r.finishRun(rn)
	}

	r.sink.Destroy()
	metrics.ClientsConnected.DeleteLabelValues(r.id)
	r.log.Info("{relay/relay - shutdown} %s: relay stopped", r.id)
}

// sortSaturatedLast moves candidates for which saturated returns true to the
// end and clears their preferred flag. Relative order is otherwise kept.
func sortSaturatedLast(candidates []session.StreamCandidate, saturated func(session.StreamCandidate) bool) []session.StreamCandidate {
	free := make([]session.StreamCandidate, 0, len(candidates))
	var full []session.StreamCandidate
	for _, c := range candidates {
		if saturated(c) {
			c.Preferred = false
			full = append(full, c)
			continue
		}
		free = append(free, c)
	}
	return append(free, full...)
}

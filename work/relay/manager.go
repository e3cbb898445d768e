package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lumos-proxy/work/config"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/session"
	"lumos-proxy/work/store"
	"lumos-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
)

// CandidateSource builds candidate lists for catalog channels.
type CandidateSource interface {
	Candidates(channel string) ([]session.StreamCandidate, error)
	SourceOf(channel, url string) *config.SourceConfig
}

// OutcomeStore records how sessions ended and which streams gave up.
type OutcomeStore interface {
	RecordOutcome(o store.Outcome) error
	MarkStreamDead(channel, url, reason string) error
}

// Options configures a Manager. Catalog and Decoders are required.
type Options struct {
	Config        *config.Config
	Catalog       CandidateSource
	Store         OutcomeStore
	Decoders      func(sessionID string) session.DecoderFactory
	Capabilities  session.Capabilities
	Policy        session.RecoveryPolicy
	Classifier    session.Classifier
	FallbackDelay time.Duration
	IdleTimeout   time.Duration
	BufferSize    int64 // ring buffer bytes per relay
	Logger        *logger.Logger
}

// Manager owns every relay, keyed by session id. Channel relays use the
// channel's URL key as id.
type Manager struct {
	opts       Options
	bufferSize int64
	log        *logger.Logger

	relays   *xsync.MapOf[string, *Relay]
	adhocSeq atomic.Uint64

	slotMu sync.Mutex
	slots  map[string]int // active sessions per source URL

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a manager with no relays.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil {
		return nil, errors.New("relay: catalog is required")
	}
	if opts.Decoders == nil {
		return nil, errors.New("relay: decoder factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	size := opts.BufferSize
	if size <= 0 {
		size = 1 << 20
	}

	return &Manager{
		opts:       opts,
		bufferSize: size,
		log:        opts.Logger.Named("relay"),
		relays:     xsync.NewMapOf[string, *Relay](),
		slots:      make(map[string]int),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// relayFor returns the channel's relay, creating it on first use.
func (m *Manager) relayFor(channel string) (*Relay, error) {
	id := utils.SanitizeChannelName(channel)
	if id == "" {
		return nil, fmt.Errorf("%w: empty channel name", session.ErrInvalidInput)
	}

	var createErr error
	r, _ := m.relays.Compute(id, func(old *Relay, loaded bool) (*Relay, bool) {
		if loaded && !old.isClosed() {
			return old, false
		}
		nr, err := newRelay(m, id, id)
		if err != nil {
			createErr = err
			return nil, true
		}
		return nr, false
	})
	if createErr != nil {
		return nil, createErr
	}
	return r, nil
}

// Serve attaches a viewer to channel, starting its session if needed, and
// streams until ctx ends or the session stops.
func (m *Manager) Serve(ctx context.Context, channel string, w io.Writer, flush func()) error {
	for attempt := 0; attempt < 3; attempt++ {
		r, err := m.relayFor(channel)
		if err != nil {
			return err
		}
		err = r.Serve(ctx, w, flush)
		if errors.Is(err, errRelayClosed) {
			continue
		}
		if err != nil {
			m.discard(r)
		}
		return err
	}
	return errRelayClosed
}

// ServeSession attaches a viewer to an existing session by id.
func (m *Manager) ServeSession(ctx context.Context, id string, w io.Writer, flush func()) error {
	r, ok := m.Get(id)
	if !ok {
		return ErrSessionEnded
	}
	return r.Serve(ctx, w, flush)
}

// StartChannel starts the channel's session without a viewer. A running
// session is left as is.
func (m *Manager) StartChannel(channel string) (*Relay, error) {
	r, err := m.relayFor(channel)
	if err != nil {
		return nil, err
	}
	if _, err := r.start(nil); err != nil {
		m.discard(r)
		return nil, err
	}
	return r, nil
}

// StartAdhoc starts a session on an explicit candidate list under a new id.
func (m *Manager) StartAdhoc(candidates []session.StreamCandidate) (*Relay, error) {
	if err := session.ValidateCandidates(candidates); err != nil {
		return nil, err
	}

	id := fmt.Sprintf("adhoc-%d", m.adhocSeq.Add(1))
	r, err := newRelay(m, id, "")
	if err != nil {
		return nil, err
	}
	if _, err := r.start(candidates); err != nil {
		r.shutdown()
		return nil, err
	}
	m.relays.Store(id, r)
	return r, nil
}

// Restart replaces the session of relay id with candidates, or with a fresh
// catalog list for channel relays when candidates is nil.
func (m *Manager) Restart(id string, candidates []session.StreamCandidate) (*Relay, error) {
	r, ok := m.Get(id)
	if !ok {
		return nil, ErrSessionEnded
	}
	if candidates == nil {
		if r.channel == "" {
			candidates = r.ctrl.Snapshot().Candidates
		} else {
			var err error
			if candidates, err = m.opts.Catalog.Candidates(r.channel); err != nil {
				return nil, err
			}
			candidates = m.deprioritizeSaturated(r.channel, candidates)
		}
	}
	if err := r.restart(candidates); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the relay with the given id.
func (m *Manager) Get(id string) (*Relay, bool) {
	r, ok := m.relays.Load(id)
	if !ok || r.isClosed() {
		return nil, false
	}
	return r, true
}

// List returns every open relay ordered by id.
func (m *Manager) List() []*Relay {
	list := make([]*Relay, 0, m.relays.Size())
	m.relays.Range(func(_ string, r *Relay) bool {
		if !r.isClosed() {
			list = append(list, r)
		}
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Close disposes relay id. It reports whether the relay existed.
func (m *Manager) Close(id string) bool {
	r, ok := m.relays.LoadAndDelete(id)
	if !ok {
		return false
	}
	r.shutdown()
	return true
}

// Sweep closes channel relays that have had no viewers for the idle timeout
// and returns how many were closed. Ad-hoc sessions are only closed
// explicitly.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTimeout)
	var idle []*Relay
	m.relays.Range(func(id string, r *Relay) bool {
		if r.channel != "" && r.closeIfIdle(cutoff) {
			idle = append(idle, r)
		}
		return true
	})

	for _, r := range idle {
		m.relays.Compute(r.id, func(old *Relay, loaded bool) (*Relay, bool) {
			return old, loaded && old == r
		})
		r.shutdown()
		m.log.Debug("{relay/manager - Sweep} %s: idle since %s, closed", r.id, r.idleSince().Format(time.RFC3339))
	}
	return len(idle)
}

// discard drops a channel relay left without a session or viewers, so
// unknown channel names and failed sessions do not linger until the next
// sweep.
func (m *Manager) discard(r *Relay) {
	if !r.closeIfUnused() {
		return
	}
	m.relays.Compute(r.id, func(old *Relay, loaded bool) (*Relay, bool) {
		return old, loaded && old == r
	})
	r.shutdown()
}

// StartSweeper runs Sweep every interval until Stop.
func (m *Manager) StartSweeper(interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case now := <-ticker.C:
				if n := m.Sweep(now); n > 0 {
					m.log.Info("{relay/manager - StartSweeper} closed %d idle relays", n)
				}
			}
		}
	}()
}

// Shutdown stops the sweeper, if running, and closes every relay.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.relays.Range(func(id string, _ *Relay) bool {
		m.Close(id)
		return true
	})
}

// Wait blocks until the sweeper has exited. Only valid after StartSweeper.
func (m *Manager) Wait() {
	<-m.done
}

// moveSlot points rn's source connection slot at the source of url. An
// empty url releases the slot for good.
func (m *Manager) moveSlot(channel string, rn *run, url string) {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	if rn.released {
		return
	}
	src := ""
	if url != "" && channel != "" {
		if s := m.opts.Catalog.SourceOf(channel, url); s != nil {
			src = s.URL
		}
	}
	if url == "" {
		rn.released = true
	}
	if src == rn.sourceURL {
		return
	}
	if rn.sourceURL != "" {
		if m.slots[rn.sourceURL]--; m.slots[rn.sourceURL] <= 0 {
			delete(m.slots, rn.sourceURL)
		}
	}
	if src != "" {
		m.slots[src]++
	}
	rn.sourceURL = src
}

// SourceSessions returns how many sessions currently play from sourceURL.
func (m *Manager) SourceSessions(sourceURL string) int {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	return m.slots[sourceURL]
}

// deprioritizeSaturated moves candidates whose source is at its connection
// limit behind the others.
func (m *Manager) deprioritizeSaturated(channel string, candidates []session.StreamCandidate) []session.StreamCandidate {
	return sortSaturatedLast(candidates, func(c session.StreamCandidate) bool {
		src := m.opts.Catalog.SourceOf(channel, c.URL)
		if src == nil || src.MaxConnections <= 0 {
			return false
		}
		full := m.SourceSessions(src.URL) >= src.MaxConnections
		if full {
			m.log.Debug("{relay/manager - deprioritizeSaturated} %s: source %s at connection limit %d",
				channel, src.Name, src.MaxConnections)
		}
		return full
	})
}

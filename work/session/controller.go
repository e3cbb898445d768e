package session

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"lumos-proxy/work/logger"
	"lumos-proxy/work/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// RecoveryPolicy bounds in-place recovery. Once MaxAttempts recoveries have
// happened and the last one is less than Cooldown ago, the next recoverable
// error fails the session instead.
type RecoveryPolicy struct {
	Cooldown    time.Duration
	MaxAttempts int
	// ResetOnCooldown clears the attempt counter when a recoverable error
	// arrives after the cooldown has lapsed. Off by default: the counter
	// only resets on Start or SelectCandidate.
	ResetOnCooldown bool
}

// DefaultRecoveryPolicy allows three recoveries per 30 seconds.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{Cooldown: 30 * time.Second, MaxAttempts: 3}
}

// Options configures a Controller. Decoders and Sink are required.
type Options struct {
	Name          string
	Decoders      DecoderFactory
	Sink          Sink
	Presentation  Presentation
	Capabilities  Capabilities
	Policy        RecoveryPolicy
	Classifier    Classifier
	FallbackDelay time.Duration
	Now           func() time.Time
	Logger        *logger.Logger
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	Name             string            `json:"name"`
	Status           Status            `json:"status"`
	Candidates       []StreamCandidate `json:"candidates"`
	ActiveIndex      int               `json:"activeIndex"`
	RecoveryAttempts int               `json:"recoveryAttempts"`
	LastRecoveryAt   time.Time         `json:"lastRecoveryAt"`
	Generation       uint64            `json:"generation"`
	Duration         float64           `json:"duration"`
	Position         float64           `json:"position"`
	Volume           float64           `json:"volume"`
	Buffering        bool              `json:"buffering"`
	Fullscreen       bool              `json:"fullscreen"`
	FailureKind      ErrorKind         `json:"failureKind,omitempty"`
	Message          string            `json:"message,omitempty"`
}

// Active returns the candidate currently attached, if any.
func (s Snapshot) Active() (StreamCandidate, bool) {
	if !s.Status.HoldsDecoder() || s.ActiveIndex < 0 || s.ActiveIndex >= len(s.Candidates) {
		return StreamCandidate{}, false
	}
	return s.Candidates[s.ActiveIndex], true
}

// Update is delivered to subscribers after every state change. Notice is
// set for user-facing messages that do not change status.
type Update struct {
	Snapshot   Snapshot
	Notice     string
	NoticeKind ErrorKind
}

// Controller drives one playback session through candidate selection,
// fallback and in-place recovery. All intents and decoder events run one at
// a time on an internal serial queue; only the controller changes status or
// the active candidate.
type Controller struct {
	name          string
	decoders      DecoderFactory
	sink          Sink
	presentation  Presentation
	caps          Capabilities
	policy        RecoveryPolicy
	classify      Classifier
	fallbackDelay time.Duration
	now           func() time.Time
	log           *logger.Logger

	exec executor

	// fields below are only touched from executor steps
	status           Status
	candidates       []StreamCandidate
	activeIndex      int
	decoder          Decoder
	generation       uint64
	recoveryAttempts int
	lastRecoveryAt   time.Time
	resumePaused     bool // a recovery started from Paused
	duration         float64
	position         float64
	volume           float64
	buffering        bool
	fullscreen       bool
	failureKind      ErrorKind
	message          string
	loadTimer        *time.Timer

	snap atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// New builds an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Decoders == nil {
		return nil, fmt.Errorf("%w: decoder factory is required", ErrInvalidInput)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidInput)
	}
	if opts.Name == "" {
		opts.Name = "session"
	}
	if opts.Policy.Cooldown <= 0 {
		opts.Policy.Cooldown = DefaultRecoveryPolicy().Cooldown
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = DefaultRecoveryPolicy().MaxAttempts
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	c := &Controller{
		name:          opts.Name,
		decoders:      opts.Decoders,
		sink:          opts.Sink,
		presentation:  opts.Presentation,
		caps:          opts.Capabilities,
		policy:        opts.Policy,
		classify:      opts.Classifier,
		fallbackDelay: opts.FallbackDelay,
		now:           opts.Now,
		log:           opts.Logger.Named("session"),
		status:        StatusIdle,
		volume:        1,
		subs:          make(map[int]chan Update),
	}
	c.publish("", KindNone)
	return c, nil
}

// Name returns the label the controller logs and reports metrics under.
func (c *Controller) Name() string {
	return c.name
}

// Start validates candidates and begins loading the first one (preferred
// candidates first). Starting an active session restarts it from scratch.
// Invalid input leaves the session untouched.
func (c *Controller) Start(candidates []StreamCandidate) error {
	if err := ValidateCandidates(candidates); err != nil {
		c.log.Warn("{session/controller - Start} %s: rejected start: %v", c.name, err)
		return err
	}

	ordered := OrderCandidates(candidates)
	c.exec.do(func() {
		c.restart(ordered, 0)
		c.publish("", KindNone)
	})
	return nil
}

// SelectCandidate restarts the session on a specific candidate of the
// current list, as a user-initiated quality switch.
func (c *Controller) SelectCandidate(index int) error {
	var err error
	c.exec.do(func() {
		if len(c.candidates) == 0 {
			err = fmt.Errorf("%w: no candidates to select from", ErrInvalidState)
			return
		}
		if index < 0 || index >= len(c.candidates) {
			err = fmt.Errorf("%w: candidate index %d out of range", ErrInvalidInput, index)
			return
		}
		c.restart(c.candidates, index)
		c.publish("", KindNone)
	})
	return err
}

// TogglePlayback flips between Playing and Paused and returns the new status.
func (c *Controller) TogglePlayback() (Status, error) {
	var (
		status Status
		err    error
	)
	c.exec.do(func() {
		switch c.status {
		case StatusPlaying:
			c.sink.Pause()
			c.setStatus(StatusPaused)
		case StatusPaused:
			c.sink.Play()
			c.setStatus(StatusPlaying)
		default:
			err = fmt.Errorf("%w: cannot toggle playback while %s", ErrInvalidState, c.status)
		}
		status = c.status
		if err == nil {
			c.publish("", KindNone)
		}
	})
	return status, err
}

// SetVolume clamps v to [0, 1] and applies it to the sink. Status is not
// affected.
func (c *Controller) SetVolume(v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: volume is not a number", ErrInvalidInput)
	}
	v = min(max(v, 0), 1)

	c.exec.do(func() {
		c.volume = v
		c.sink.SetVolume(v)
		c.publish("", KindNone)
	})
	return v, nil
}

// Seek moves playback to t seconds, clamped to [0, duration]. When the
// duration is unknown (live) only the lower bound applies. Returns the
// effective position.
func (c *Controller) Seek(t float64) (float64, error) {
	if math.IsNaN(t) {
		return 0, fmt.Errorf("%w: seek position is not a number", ErrInvalidInput)
	}

	var (
		pos float64
		err error
	)
	c.exec.do(func() {
		if !c.status.Active() {
			err = fmt.Errorf("%w: cannot seek while %s", ErrInvalidState, c.status)
			return
		}
		pos = max(t, 0)
		if c.duration > 0 && pos > c.duration {
			pos = c.duration
		}
		c.position = pos
		c.sink.Seek(pos)
		c.publish("", KindNone)
	})
	return pos, err
}

// ToggleFullscreen asks the presentation host to switch fullscreen. Hosts
// without the capability get ErrUnsupportedOperation and a notice; status
// never changes.
func (c *Controller) ToggleFullscreen() (bool, error) {
	var (
		on  bool
		err error
	)
	c.exec.do(func() {
		if !c.caps.Fullscreen || c.presentation == nil {
			err = fmt.Errorf("%w: fullscreen is not available on this host", ErrUnsupportedOperation)
		} else if state, perr := c.presentation.ToggleFullscreen(); perr != nil {
			err = fmt.Errorf("%w: %v", ErrUnsupportedOperation, perr)
		} else {
			c.fullscreen = state
		}

		on = c.fullscreen
		if err != nil {
			c.log.Warn("{session/controller - ToggleFullscreen} %s: %v", c.name, err)
			c.publish(err.Error(), KindUnsupportedOperation)
			return
		}
		c.publish("", KindNone)
	})
	return on, err
}

// Dispose ends the session and releases the decoder before returning. Safe
// to call more than once.
func (c *Controller) Dispose() {
	c.exec.do(func() {
		if c.status == StatusEnded && c.decoder == nil {
			return
		}
		c.releaseDecoder()
		c.setStatus(StatusEnded)
		c.publish("", KindNone)
		metrics.SessionStatus.DeletePartialMatch(prometheus.Labels{"session": c.name})
		c.log.Debug("{session/controller - Dispose} %s: disposed", c.name)
	})
}

// Snapshot returns the state as of the last completed step.
func (c *Controller) Snapshot() Snapshot {
	s := *c.snap.Load()
	s.Candidates = cloneCandidates(s.Candidates)
	return s
}

// Status is shorthand for Snapshot().Status.
func (c *Controller) Status() Status {
	return c.snap.Load().Status
}

// Subscribe returns a stream of updates and a cancel func. A subscriber
// whose buffer is full loses its oldest queued update, never the newest.
func (c *Controller) Subscribe(buffer int) (<-chan Update, func()) {
	ch := make(chan Update, max(buffer, 1))

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

// restart drops any current attachment and begins at index of list.
func (c *Controller) restart(list []StreamCandidate, index int) {
	if c.status != StatusIdle {
		c.log.Info("{session/controller - restart} %s: restarting from %s", c.name, c.status)
	}
	c.releaseDecoder()

	c.candidates = list
	c.activeIndex = index
	c.recoveryAttempts = 0
	c.lastRecoveryAt = time.Time{}
	c.resumePaused = false
	c.resetMediaState()
	c.failureKind = KindNone
	c.message = ""

	if err := c.attachCandidate(false); err != nil {
		c.log.Warn("{session/controller - restart} %s: candidate %d failed to load: %v", c.name, c.activeIndex, err)
		c.fallback()
	}
}

// attachCandidate creates a decoder for the active candidate, attaches it
// under a new generation and starts loading. Fallback loads may be deferred
// by the configured delay.
func (c *Controller) attachCandidate(deferred bool) error {
	dec, err := c.decoders()
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	c.decoder = dec
	if err := c.attach(dec); err != nil {
		return err
	}
	c.setStatus(StatusLoading)

	if deferred && c.fallbackDelay > 0 {
		gen := c.generation
		c.loadTimer = time.AfterFunc(c.fallbackDelay, func() {
			c.exec.post(func() {
				if gen != c.generation || c.decoder == nil {
					return
				}
				c.loadTimer = nil
				if err := c.loadActive(); err != nil {
					c.log.Warn("{session/controller - attachCandidate} %s: deferred load failed: %v", c.name, err)
					c.fallback()
				}
				c.publish("", KindNone)
			})
		})
		return nil
	}
	return c.loadActive()
}

func (c *Controller) attach(dec Decoder) error {
	c.generation++
	gen := c.generation
	if err := dec.Attach(c.sink, c.eventsFor(gen)); err != nil {
		return fmt.Errorf("attach decoder: %w", err)
	}
	return nil
}

func (c *Controller) loadActive() error {
	cand := c.candidates[c.activeIndex]
	if err := c.decoder.Load(cand.URL, cand.AuthHeaders.Clone()); err != nil {
		return fmt.Errorf("load candidate %d: %w", c.activeIndex, err)
	}
	return nil
}

func (c *Controller) eventsFor(gen uint64) EventFunc {
	return func(ev Event) {
		c.exec.post(func() {
			c.handleEvent(gen, ev)
		})
	}
}

// releaseDecoder detaches and destroys the current decoder. The generation
// moves on so anything it still emits is ignored.
func (c *Controller) releaseDecoder() {
	if c.loadTimer != nil {
		c.loadTimer.Stop()
		c.loadTimer = nil
	}
	c.generation++

	dec := c.decoder
	if dec == nil {
		return
	}
	c.decoder = nil
	if err := dec.Detach(); err != nil {
		c.log.Warn("{session/controller - releaseDecoder} %s: detach failed: %v", c.name, err)
	}
	if err := dec.Destroy(); err != nil {
		c.log.Warn("{session/controller - releaseDecoder} %s: destroy failed: %v", c.name, err)
	}
}

// fallback abandons the active candidate and advances through the list
// until one attaches, failing the session when none remain.
func (c *Controller) fallback() {
	c.releaseDecoder()

	for c.activeIndex+1 < len(c.candidates) {
		c.activeIndex++
		c.resetMediaState()
		metrics.Fallbacks.WithLabelValues(c.name).Inc()
		c.log.Info("{session/controller - fallback} %s: trying candidate %d of %d", c.name, c.activeIndex+1, len(c.candidates))

		err := c.attachCandidate(true)
		if err == nil {
			return
		}
		c.log.Warn("{session/controller - fallback} %s: candidate %d failed to load: %v", c.name, c.activeIndex, err)
		c.releaseDecoder()
	}

	c.fail(KindSourceExhausted, ErrSourceExhausted.Error())
}

// recover reloads the active candidate in place, subject to the loop guard.
func (c *Controller) recover(ev Event) {
	now := c.now()
	seen := !c.lastRecoveryAt.IsZero()
	withinCooldown := seen && now.Sub(c.lastRecoveryAt) < c.policy.Cooldown

	if c.policy.ResetOnCooldown && seen && !withinCooldown {
		c.recoveryAttempts = 0
	}
	if withinCooldown && c.recoveryAttempts >= c.policy.MaxAttempts {
		c.log.Warn("{session/controller - recover} %s: %d recoveries within %v, giving up",
			c.name, c.recoveryAttempts, c.policy.Cooldown)
		c.fail(KindUnstablePlayback, ErrUnstablePlayback.Error())
		return
	}

	c.recoveryAttempts++
	c.lastRecoveryAt = now
	metrics.Recoveries.WithLabelValues(c.name).Inc()
	c.log.Info("{session/controller - recover} %s: recovering from %s (attempt %d)", c.name, ev.Code, c.recoveryAttempts)

	dec := c.decoder
	if err := dec.Detach(); err != nil {
		c.log.Warn("{session/controller - recover} %s: detach failed: %v", c.name, err)
		c.fallback()
		return
	}
	if err := c.attach(dec); err != nil {
		c.log.Warn("{session/controller - recover} %s: reattach failed: %v", c.name, err)
		c.fallback()
		return
	}
	c.buffering = false
	if c.status != StatusRecovering {
		c.resumePaused = c.status == StatusPaused
	}
	c.setStatus(StatusRecovering)
	if err := c.loadActive(); err != nil {
		c.log.Warn("{session/controller - recover} %s: reload failed: %v", c.name, err)
		c.fallback()
		return
	}
	// the reload starts from the top of a closed playlist
	if c.duration > 0 && c.position > 0 {
		c.sink.Seek(c.position)
	}
}

func (c *Controller) fail(kind ErrorKind, message string) {
	c.releaseDecoder()
	c.failureKind = kind
	c.message = message
	c.buffering = false
	c.setStatus(StatusFailed)
	metrics.SessionFailures.WithLabelValues(kind.String()).Inc()
	c.log.Error("{session/controller - fail} %s: %s", c.name, message)
}

func (c *Controller) handleEvent(gen uint64, ev Event) {
	if gen != c.generation || c.decoder == nil || !c.status.HoldsDecoder() {
		c.log.Debug("{session/controller - handleEvent} %s: dropping stale %s event (generation %d, current %d)",
			c.name, ev.Type, gen, c.generation)
		return
	}

	var (
		notice string
		kind   ErrorKind
	)
	switch ev.Type {
	case EventReady:
		c.duration = ev.Duration
		c.buffering = false
		switch {
		case c.status == StatusRecovering && c.resumePaused:
			c.resumePaused = false
			c.setStatus(StatusPaused)
		case c.status == StatusLoading || c.status == StatusRecovering:
			c.resumePaused = false
			c.sink.Play()
			c.setStatus(StatusPlaying)
		}
	case EventBuffering:
		c.buffering = ev.Buffering
	case EventError:
		notice, kind = c.handleError(ev)
	}
	c.publish(notice, kind)
}

func (c *Controller) handleError(ev Event) (string, ErrorKind) {
	code := ev.Code
	if code == "" {
		code = "unknown"
	}
	metrics.StreamErrors.WithLabelValues(c.name, code).Inc()

	if !ev.Fatal {
		c.log.Debug("{session/controller - handleError} %s: ignoring non-fatal %s: %v", c.name, code, ev.Err)
		return "", KindNone
	}

	severity := c.classify(ev)
	c.log.Warn("{session/controller - handleError} %s: fatal %s (%s) while %s: %v", c.name, code, severity, c.status, ev.Err)

	if c.status == StatusLoading || severity != SeverityRecoverable {
		c.fallback()
		return "", KindNone
	}

	c.recover(ev)
	if c.status == StatusRecovering {
		return fmt.Sprintf("%s: %s", ErrTransientDecoder, code), KindTransientDecoder
	}
	return "", KindNone
}

func (c *Controller) resetMediaState() {
	c.duration = 0
	c.position = 0
	c.buffering = false
}

func (c *Controller) setStatus(s Status) {
	if c.status == s {
		return
	}
	from := c.status
	c.status = s

	metrics.SessionTransitions.WithLabelValues(from.String(), s.String()).Inc()
	metrics.SessionStatus.WithLabelValues(c.name, from.String()).Set(0)
	metrics.SessionStatus.WithLabelValues(c.name, s.String()).Set(1)
	c.log.Info("{session/controller - setStatus} %s: %s -> %s", c.name, from, s)
}

func (c *Controller) publish(notice string, kind ErrorKind) {
	snap := Snapshot{
		Name:             c.name,
		Status:           c.status,
		Candidates:       cloneCandidates(c.candidates),
		ActiveIndex:      c.activeIndex,
		RecoveryAttempts: c.recoveryAttempts,
		LastRecoveryAt:   c.lastRecoveryAt,
		Generation:       c.generation,
		Duration:         c.duration,
		Position:         c.position,
		Volume:           c.volume,
		Buffering:        c.buffering,
		Fullscreen:       c.fullscreen,
		FailureKind:      c.failureKind,
		Message:          c.message,
	}
	c.snap.Store(&snap)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		update := Update{Snapshot: snap, Notice: notice, NoticeKind: kind}
		update.Snapshot.Candidates = cloneCandidates(snap.Candidates)
		select {
		case ch <- update:
			continue
		default:
		}
		// full: drop the oldest so the latest status always arrives
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- update:
		default:
		}
	}
}

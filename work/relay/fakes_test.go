package relay

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"lumos-proxy/work/config"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/session"
	"lumos-proxy/work/store"
)

var errNoChannel = errors.New("unknown channel")

// fakeCatalog serves fixed candidate lists keyed by channel key.
type fakeCatalog struct {
	mu       sync.Mutex
	channels map[string][]session.StreamCandidate
	sources  map[string]*config.SourceConfig // stream url -> source
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		channels: make(map[string][]session.StreamCandidate),
		sources:  make(map[string]*config.SourceConfig),
	}
}

func (c *fakeCatalog) add(channel string, src *config.SourceConfig, urls ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range urls {
		c.channels[channel] = append(c.channels[channel], session.StreamCandidate{URL: u})
		c.sources[u] = src
	}
}

func (c *fakeCatalog) Candidates(channel string) ([]session.StreamCandidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cands, ok := c.channels[channel]
	if !ok {
		return nil, errNoChannel
	}
	return append([]session.StreamCandidate(nil), cands...), nil
}

func (c *fakeCatalog) SourceOf(_, url string) *config.SourceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources[url]
}

// fakeStore records outcomes and dead marks.
type fakeStore struct {
	mu       sync.Mutex
	outcomes []store.Outcome
	dead     []string
}

func (s *fakeStore) RecordOutcome(o store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *fakeStore) MarkStreamDead(channel, url, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, channel+" "+url)
	return nil
}

func (s *fakeStore) recorded() []store.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Outcome(nil), s.outcomes...)
}

func (s *fakeStore) deadStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.dead...)
	sort.Strings(out)
	return out
}

// fakeDecoders scripts decoder behaviour per URL: URLs listed in failing
// report a fatal manifest error, everything else writes its payload and
// becomes ready.
type fakeDecoders struct {
	mu       sync.Mutex
	failing  map[string]string // url -> error code
	payloads map[string]string
	loads    []string
}

func newFakeDecoders() *fakeDecoders {
	return &fakeDecoders{
		failing:  make(map[string]string),
		payloads: make(map[string]string),
	}
}

func (f *fakeDecoders) fail(url, code string) {
	f.mu.Lock()
	f.failing[url] = code
	f.mu.Unlock()
}

func (f *fakeDecoders) serve(url, payload string) {
	f.mu.Lock()
	f.payloads[url] = payload
	f.mu.Unlock()
}

func (f *fakeDecoders) factory(string) session.DecoderFactory {
	return func() (session.Decoder, error) {
		return &fakeDecoder{f: f}, nil
	}
}

func (f *fakeDecoders) loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

type fakeDecoder struct {
	f      *fakeDecoders
	sink   session.Sink
	events session.EventFunc
}

func (d *fakeDecoder) Attach(sink session.Sink, events session.EventFunc) error {
	d.sink = sink
	d.events = events
	return nil
}

func (d *fakeDecoder) Load(url string, _ http.Header) error {
	d.f.mu.Lock()
	d.f.loads = append(d.f.loads, url)
	code, failing := d.f.failing[url]
	payload := d.f.payloads[url]
	d.f.mu.Unlock()

	if failing {
		d.events(session.FatalError(code, session.SeverityUnknown, errors.New(code)))
		return nil
	}
	if w, ok := d.sink.(io.Writer); ok && payload != "" {
		_, _ = w.Write([]byte(payload))
	}
	d.events(session.Ready(0))
	return nil
}

func (d *fakeDecoder) Detach() error  { return nil }
func (d *fakeDecoder) Destroy() error { return nil }

// signalWriter collects viewer output and closes got once want has arrived.
type signalWriter struct {
	mu   sync.Mutex
	buf  strings.Builder
	want string
	got  chan struct{}
	once sync.Once
}

func newSignalWriter(want string) *signalWriter {
	return &signalWriter{want: want, got: make(chan struct{})}
}

func (w *signalWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if strings.Contains(w.buf.String(), w.want) {
		w.once.Do(func() { close(w.got) })
	}
	return len(p), nil
}

func (w *signalWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func quietLogger() *logger.Logger {
	l := logger.New("ERROR")
	l.SetOutput(io.Discard)
	return l
}

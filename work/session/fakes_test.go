package session

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"lumos-proxy/work/logger"
)

// fakeDecoder records calls and lets tests emit events on any attachment.
type fakeDecoder struct {
	mu        sync.Mutex
	id        int
	sink      Sink
	handlers  []EventFunc
	loads     []string
	headers   []http.Header
	attaches  int
	detaches  int
	destroys  int
	attachErr error
	loadErr   error
	onLoad    func(d *fakeDecoder, url string)
}

func (d *fakeDecoder) Attach(sink Sink, events EventFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachErr != nil {
		return d.attachErr
	}
	d.attaches++
	d.sink = sink
	d.handlers = append(d.handlers, events)
	return nil
}

func (d *fakeDecoder) Load(url string, headers http.Header) error {
	d.mu.Lock()
	d.loads = append(d.loads, url)
	d.headers = append(d.headers, headers)
	err, hook := d.loadErr, d.onLoad
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(d, url)
	}
	return nil
}

func (d *fakeDecoder) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detaches++
	return nil
}

func (d *fakeDecoder) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys++
	return nil
}

// emit delivers ev through the most recent attachment.
func (d *fakeDecoder) emit(ev Event) {
	d.mu.Lock()
	h := d.handlers[len(d.handlers)-1]
	d.mu.Unlock()
	h(ev)
}

// emitOn delivers ev through a specific, possibly superseded, attachment.
func (d *fakeDecoder) emitOn(attachment int, ev Event) {
	d.mu.Lock()
	h := d.handlers[attachment]
	d.mu.Unlock()
	h(ev)
}

func (d *fakeDecoder) counts() (attaches, detaches, destroys int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attaches, d.detaches, d.destroys
}

func (d *fakeDecoder) loadedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.loads...)
}

type fakeFactory struct {
	mu        sync.Mutex
	decoders  []*fakeDecoder
	err       error
	configure func(d *fakeDecoder)
}

func (f *fakeFactory) New() (Decoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := &fakeDecoder{id: len(f.decoders)}
	if f.configure != nil {
		f.configure(d)
	}
	f.decoders = append(f.decoders, d)
	return d, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decoders)
}

func (f *fakeFactory) last() *fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoders[len(f.decoders)-1]
}

func (f *fakeFactory) get(i int) *fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoders[i]
}

type fakeSink struct {
	mu     sync.Mutex
	plays  int
	pauses int
	seeks  []float64
	volume float64
}

func (s *fakeSink) Play()  { s.mu.Lock(); s.plays++; s.mu.Unlock() }
func (s *fakeSink) Pause() { s.mu.Lock(); s.pauses++; s.mu.Unlock() }
func (s *fakeSink) Seek(p float64) {
	s.mu.Lock()
	s.seeks = append(s.seeks, p)
	s.mu.Unlock()
}
func (s *fakeSink) SetVolume(v float64) { s.mu.Lock(); s.volume = v; s.mu.Unlock() }

type fakePresentation struct {
	on  bool
	err error
}

func (p *fakePresentation) ToggleFullscreen() (bool, error) {
	if p.err != nil {
		return p.on, p.err
	}
	p.on = !p.on
	return p.on, nil
}

type unsupportedPresentation struct{ fakePresentation }

func (unsupportedPresentation) FullscreenSupported() bool { return false }

// mockClock is advanced manually by tests.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

var errBoom = errors.New("boom")

func quietLogger() *logger.Logger {
	l := logger.New("ERROR")
	l.SetOutput(io.Discard)
	return l
}

// readyOnLoad makes every load succeed immediately with the given duration.
func readyOnLoad(duration float64) func(d *fakeDecoder) {
	return func(d *fakeDecoder) {
		d.onLoad = func(d *fakeDecoder, _ string) {
			d.emit(Ready(duration))
		}
	}
}

func candidates(urls ...string) []StreamCandidate {
	out := make([]StreamCandidate, len(urls))
	for i, u := range urls {
		out[i] = StreamCandidate{URL: u}
	}
	return out
}

func stalled() Event {
	return FatalError(CodeBufferStalled, SeverityUnknown, errors.New("no new segments"))
}

func manifestFailure() Event {
	return FatalError(CodeManifestLoad, SeverityUnknown, errors.New("404"))
}

package relay

import (
	"context"
	"testing"
	"time"

	"lumos-proxy/work/config"
	"lumos-proxy/work/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	m        *Manager
	catalog  *fakeCatalog
	store    *fakeStore
	decoders *fakeDecoders
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		catalog:  newFakeCatalog(),
		store:    &fakeStore{},
		decoders: newFakeDecoders(),
	}
	opts := Options{
		Config:      &config.Config{},
		Catalog:     f.catalog,
		Store:       f.store,
		Decoders:    f.decoders.factory,
		IdleTimeout: time.Minute,
		BufferSize:  4096,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	f.m = m
	t.Cleanup(m.Shutdown)
	return f
}

func TestNewManagerRequiresCatalogAndDecoders(t *testing.T) {
	_, err := NewManager(Options{Decoders: newFakeDecoders().factory})
	assert.Error(t, err)

	_, err = NewManager(Options{Catalog: newFakeCatalog()})
	assert.Error(t, err)
}

func TestServeFallsBackAndStreams(t *testing.T) {
	f := newFixture(t, nil)
	f.catalog.add("News_HD", nil, "http://a.example/live.m3u8", "http://b.example/live.m3u8")
	f.decoders.fail("http://a.example/live.m3u8", session.CodeManifestDenied)
	f.decoders.serve("http://b.example/live.m3u8", "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := newSignalWriter("hello")
	flushes := 0
	errCh := make(chan error, 1)
	go func() { errCh <- f.m.Serve(ctx, "News HD", w, func() { flushes++ }) }()

	select {
	case <-w.got:
	case <-ctx.Done():
		t.Fatal("no data reached the viewer")
	}

	r, ok := f.m.Get("News_HD")
	require.True(t, ok)
	assert.Equal(t, "News_HD", r.Channel())
	snap := r.Controller().Snapshot()
	assert.Equal(t, session.StatusPlaying, snap.Status)
	assert.Equal(t, 1, snap.ActiveIndex)
	assert.Equal(t, 1, r.Clients())

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, "hello", w.String())
	assert.Positive(t, flushes)
	assert.Zero(t, r.Clients())
	assert.Equal(t, []string{"http://a.example/live.m3u8", "http://b.example/live.m3u8"}, f.decoders.loaded())
}

func TestServeReportsFailureAndMarksStreamsDead(t *testing.T) {
	f := newFixture(t, nil)
	f.catalog.add("Movies", nil, "http://a.example/1.m3u8", "http://b.example/2.m3u8")
	f.decoders.fail("http://a.example/1.m3u8", session.CodeManifestLoad)
	f.decoders.fail("http://b.example/2.m3u8", session.CodeManifestParse)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.m.Serve(ctx, "Movies", newSignalWriter("x"), nil)
	require.ErrorIs(t, err, ErrPlaybackFailed)

	assert.Eventually(t, func() bool { return len(f.store.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	o := f.store.recorded()[0]
	assert.Equal(t, "Movies", o.Session)
	assert.Equal(t, "failed", o.Status)
	assert.Equal(t, session.KindSourceExhausted.String(), o.Kind)
	assert.Eventually(t, func() bool { return len(f.store.deadStreams()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Movies http://a.example/1.m3u8", "Movies http://b.example/2.m3u8"}, f.store.deadStreams())
}

func TestServeUnknownChannel(t *testing.T) {
	f := newFixture(t, nil)

	err := f.m.Serve(context.Background(), "Nope", newSignalWriter("x"), nil)
	assert.ErrorIs(t, err, errNoChannel)

	err = f.m.Serve(context.Background(), "///", newSignalWriter("x"), nil)
	assert.ErrorIs(t, err, session.ErrInvalidInput)
}

func TestStartChannelKeepsRunningSession(t *testing.T) {
	f := newFixture(t, nil)
	f.catalog.add("Sports", nil, "http://a.example/s.m3u8")

	r1, err := f.m.StartChannel("Sports")
	require.NoError(t, err)
	r2, err := f.m.StartChannel("Sports")
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Len(t, f.decoders.loaded(), 1)
	assert.Equal(t, session.StatusPlaying, r1.Controller().Status())
}

func TestAdhocSessions(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.m.StartAdhoc(nil)
	assert.ErrorIs(t, err, session.ErrInvalidInput)
	_, err = f.m.StartAdhoc([]session.StreamCandidate{{URL: "ftp://nope"}})
	assert.ErrorIs(t, err, session.ErrInvalidInput)

	r, err := f.m.StartAdhoc([]session.StreamCandidate{{URL: "http://a.example/x.m3u8"}})
	require.NoError(t, err)
	assert.Equal(t, "adhoc-1", r.ID())
	assert.Empty(t, r.Channel())

	got, ok := f.m.Get("adhoc-1")
	require.True(t, ok)
	assert.Same(t, r, got)
	require.Len(t, f.m.List(), 1)

	assert.True(t, f.m.Close("adhoc-1"))
	assert.False(t, f.m.Close("adhoc-1"))
	_, ok = f.m.Get("adhoc-1")
	assert.False(t, ok)
	assert.Empty(t, f.m.List())

	assert.Eventually(t, func() bool { return len(f.store.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ended", f.store.recorded()[0].Status)
	assert.Empty(t, f.store.deadStreams())
}

func TestServeSessionAfterAdhocEnds(t *testing.T) {
	f := newFixture(t, nil)
	f.decoders.fail("http://a.example/x.m3u8", session.CodeManifestDenied)

	r, err := f.m.StartAdhoc([]session.StreamCandidate{{URL: "http://a.example/x.m3u8"}})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.Controller().Status() == session.StatusFailed }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		err := f.m.ServeSession(context.Background(), r.ID(), newSignalWriter("x"), nil)
		return err == ErrSessionEnded
	}, 2*time.Second, 10*time.Millisecond)

	err = f.m.ServeSession(context.Background(), "missing", newSignalWriter("x"), nil)
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestRestartReplacesCandidates(t *testing.T) {
	f := newFixture(t, nil)

	r, err := f.m.StartAdhoc([]session.StreamCandidate{{URL: "http://a.example/x.m3u8"}})
	require.NoError(t, err)

	_, err = f.m.Restart(r.ID(), []session.StreamCandidate{{URL: "http://b.example/y.m3u8"}})
	require.NoError(t, err)
	active, ok := r.Controller().Snapshot().Active()
	require.True(t, ok)
	assert.Equal(t, "http://b.example/y.m3u8", active.URL)

	_, err = f.m.Restart(r.ID(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example/x.m3u8", "http://b.example/y.m3u8", "http://b.example/y.m3u8"}, f.decoders.loaded())

	_, err = f.m.Restart(r.ID(), []session.StreamCandidate{})
	assert.ErrorIs(t, err, session.ErrInvalidInput)

	_, err = f.m.Restart("missing", nil)
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSweepClosesIdleChannelRelays(t *testing.T) {
	f := newFixture(t, nil)
	f.catalog.add("Kids", nil, "http://a.example/k.m3u8")

	_, err := f.m.StartChannel("Kids")
	require.NoError(t, err)
	_, err = f.m.StartAdhoc([]session.StreamCandidate{{URL: "http://b.example/x.m3u8"}})
	require.NoError(t, err)

	assert.Zero(t, f.m.Sweep(time.Now()))
	assert.Equal(t, 1, f.m.Sweep(time.Now().Add(2*time.Minute)))

	_, ok := f.m.Get("Kids")
	assert.False(t, ok)
	_, ok = f.m.Get("adhoc-1")
	assert.True(t, ok, "ad-hoc sessions are not swept")
}

func TestSweeperStops(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.IdleTimeout = time.Millisecond })
	f.catalog.add("Kids", nil, "http://a.example/k.m3u8")
	_, err := f.m.StartChannel("Kids")
	require.NoError(t, err)

	f.m.StartSweeper(5 * time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := f.m.Get("Kids")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	f.m.Shutdown()
	f.m.Wait()
}

func TestSaturatedSourceIsTriedLast(t *testing.T) {
	f := newFixture(t, nil)
	shared := &config.SourceConfig{Name: "shared", URL: "http://shared.example/list.m3u", MaxConnections: 1}
	spare := &config.SourceConfig{Name: "spare", URL: "http://spare.example/list.m3u"}
	f.catalog.add("One", shared, "http://shared.example/one.m3u8")
	f.catalog.add("Two", shared, "http://shared.example/two.m3u8")
	f.catalog.add("Two", spare, "http://spare.example/two.m3u8")

	one, err := f.m.StartChannel("One")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.m.SourceSessions(shared.URL) == 1 }, 2*time.Second, 10*time.Millisecond)

	two, err := f.m.StartChannel("Two")
	require.NoError(t, err)
	active, ok := two.Controller().Snapshot().Active()
	require.True(t, ok)
	assert.Equal(t, "http://spare.example/two.m3u8", active.URL)
	assert.Eventually(t, func() bool { return f.m.SourceSessions(spare.URL) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.m.Close(one.ID()))
	assert.Eventually(t, func() bool { return f.m.SourceSessions(shared.URL) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFullscreenFollowsCapabilities(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Capabilities = session.ProbeCapabilities(NewDisplay(true))
	})
	r, err := f.m.StartAdhoc([]session.StreamCandidate{{URL: "http://a.example/x.m3u8"}})
	require.NoError(t, err)

	on, err := r.Controller().ToggleFullscreen()
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, r.display.Fullscreen())

	g := newFixture(t, nil)
	r, err = g.m.StartAdhoc([]session.StreamCandidate{{URL: "http://a.example/x.m3u8"}})
	require.NoError(t, err)
	_, err = r.Controller().ToggleFullscreen()
	assert.ErrorIs(t, err, session.ErrUnsupportedOperation)
}

func TestSortSaturatedLast(t *testing.T) {
	cands := []session.StreamCandidate{
		{URL: "http://a/1", Preferred: true},
		{URL: "http://b/2"},
		{URL: "http://a/3"},
		{URL: "http://c/4"},
	}
	out := sortSaturatedLast(cands, func(c session.StreamCandidate) bool {
		return c.URL[7] == 'a'
	})

	urls := make([]string, len(out))
	for i, c := range out {
		urls[i] = c.URL
	}
	assert.Equal(t, []string{"http://b/2", "http://c/4", "http://a/1", "http://a/3"}, urls)
	assert.False(t, out[2].Preferred)
	assert.True(t, cands[0].Preferred, "input is not modified")
}

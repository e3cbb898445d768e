package decoder

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lumos-proxy/work/buffer"
	"lumos-proxy/work/client"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/session"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

type eventLog struct {
	ch chan session.Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan session.Event, 256)}
}

func (e *eventLog) handler() session.EventFunc {
	return func(ev session.Event) {
		e.ch <- ev
	}
}

// next returns the next event matching want, skipping others.
func (e *eventLog) next(t *testing.T, want session.EventType) session.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.Type == want && (want != session.EventError || ev.Fatal) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func quiet() *logger.Logger {
	l := logger.New("ERROR")
	l.SetOutput(io.Discard)
	return l
}

func newTestDecoder(opts Options) *HLS {
	if opts.Client == nil {
		opts.Client = client.NewHeaderSettingClient("test-agent")
	}
	opts.Logger = quiet()
	opts.Channel = "test"
	return New(opts)
}

func vodPlaylist(segments ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:0.010,\n%s\n", s)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func livePlaylist(seq int, segments ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:1.000,\n%s\n", s)
	}
	return b.String()
}

func TestVODPlaylistReadyAndSegmentsWritten(t *testing.T) {
	var referer atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vod.m3u8":
			referer.Store(r.Header.Get("Referer"))
			io.WriteString(w, vodPlaylist("a.ts", "b.ts", "c.ts"))
		default:
			io.WriteString(w, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".ts"))
		}
	}))
	defer srv.Close()

	sink := buffer.NewMediaSink(1024)
	events := newEventLog()
	dec := newTestDecoder(Options{})
	require.NoError(t, dec.Attach(sink, events.handler()))

	headers := http.Header{}
	headers.Set("Referer", "https://provider.example/")
	require.NoError(t, dec.Load(srv.URL+"/vod.m3u8", headers))

	ready := events.next(t, session.EventReady)
	assert.InDelta(t, 0.03, ready.Duration, 0.0001)

	assert.Eventually(t, func() bool { return sink.Written() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("abc"), sink.Ring().ReadNext("viewer", 64))
	assert.Equal(t, "https://provider.example/", referer.Load())

	require.NoError(t, dec.Destroy())
	dec.Wait()
}

func TestMasterPlaylistPicksHighestBandwidthAndCaches(t *testing.T) {
	var masterHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/master.m3u8":
			masterHits.Add(1)
			io.WriteString(w, "#EXTM3U\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow/index.m3u8\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\nhigh/index.m3u8\n")
		case "/high/index.m3u8":
			io.WriteString(w, vodPlaylist("seg.ts"))
		case "/high/seg.ts":
			io.WriteString(w, "H")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	variants := NewVariantCache(16, time.Minute)
	for i := 0; i < 2; i++ {
		sink := buffer.NewMediaSink(64)
		events := newEventLog()
		dec := newTestDecoder(Options{Variants: variants})
		require.NoError(t, dec.Attach(sink, events.handler()))
		require.NoError(t, dec.Load(srv.URL+"/master.m3u8", nil))

		events.next(t, session.EventReady)
		assert.Eventually(t, func() bool { return sink.Written() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, dec.Destroy())
		dec.Wait()
	}

	assert.Equal(t, int32(1), masterHits.Load())
	cached, ok := variants.Get(srv.URL + "/master.m3u8")
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/high/index.m3u8", cached)
}

func TestManifestErrorsAreTerminalCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/denied.m3u8":
			w.WriteHeader(http.StatusForbidden)
		case "/garbage.m3u8":
			io.WriteString(w, "<html>not a playlist</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		path string
		code string
	}{
		{"/denied.m3u8", session.CodeManifestDenied},
		{"/garbage.m3u8", session.CodeManifestParse},
		{"/missing.m3u8", session.CodeManifestLoad},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			events := newEventLog()
			dec := newTestDecoder(Options{})
			require.NoError(t, dec.Attach(buffer.NewMediaSink(64), events.handler()))
			require.NoError(t, dec.Load(srv.URL+tt.path, nil))

			ev := events.next(t, session.EventError)
			assert.True(t, ev.Fatal)
			assert.Equal(t, tt.code, ev.Code)
			assert.Equal(t, session.SeverityTerminal, session.DefaultClassifier(ev))

			dec.Destroy()
			dec.Wait()
		})
	}
}

func TestLiveStallIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			io.WriteString(w, livePlaylist(0, "s0.ts"))
			return
		}
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	events := newEventLog()
	dec := newTestDecoder(Options{PollInterval: 10 * time.Millisecond, StallTimeout: 150 * time.Millisecond})
	require.NoError(t, dec.Attach(buffer.NewMediaSink(64), events.handler()))
	require.NoError(t, dec.Load(srv.URL+"/live.m3u8", nil))

	ready := events.next(t, session.EventReady)
	assert.Zero(t, ready.Duration)

	buffering := events.next(t, session.EventBuffering)
	assert.True(t, buffering.Buffering)

	stall := events.next(t, session.EventError)
	assert.Equal(t, session.CodeBufferStalled, stall.Code)
	assert.Equal(t, session.SeverityRecoverable, session.DefaultClassifier(stall))

	dec.Destroy()
	dec.Wait()
}

func TestLiveForwardsOnlyNewSegments(t *testing.T) {
	var mu sync.Mutex
	seq := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			mu.Lock()
			cur := seq
			if seq < 3 {
				seq++
			}
			mu.Unlock()
			io.WriteString(w, livePlaylist(cur, fmt.Sprintf("s%d.ts", cur), fmt.Sprintf("s%d.ts", cur+1)))
			return
		}
		io.WriteString(w, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/s"), ".ts"))
	}))
	defer srv.Close()

	sink := buffer.NewMediaSink(64)
	events := newEventLog()
	dec := newTestDecoder(Options{PollInterval: 5 * time.Millisecond, StallTimeout: time.Minute})
	require.NoError(t, dec.Attach(sink, events.handler()))
	require.NoError(t, dec.Load(srv.URL+"/live.m3u8", nil))

	events.next(t, session.EventReady)
	assert.Eventually(t, func() bool { return sink.Written() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("01234"), sink.Ring().ReadNext("viewer", 64))

	dec.Destroy()
	dec.Wait()
}

func TestSegmentFailuresBecomeMediaGap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			io.WriteString(w, vodPlaylist("broken.ts"))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	events := newEventLog()
	dec := newTestDecoder(Options{SegmentRetries: 1})
	require.NoError(t, dec.Attach(buffer.NewMediaSink(64), events.handler()))
	require.NoError(t, dec.Load(srv.URL+"/vod.m3u8", nil))

	ev := events.next(t, session.EventError)
	assert.Equal(t, session.CodeFragmentGap, ev.Code)
	assert.Equal(t, session.SeverityRecoverable, session.DefaultClassifier(ev))

	dec.Destroy()
	dec.Wait()
}

func TestVODSeekJumpsToSegment(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			io.WriteString(w, vodPlaylist("0.ts", "1.ts", "2.ts", "3.ts"))
			return
		}
		if r.URL.Path == "/0.ts" {
			<-release
		}
		io.WriteString(w, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".ts"))
	}))
	defer srv.Close()

	sink := buffer.NewMediaSink(64)
	events := newEventLog()
	dec := newTestDecoder(Options{})
	require.NoError(t, dec.Attach(sink, events.handler()))
	require.NoError(t, dec.Load(srv.URL+"/vod.m3u8", nil))
	events.next(t, session.EventReady)

	sink.Seek(0.025)
	close(release)

	assert.Eventually(t, func() bool { return sink.Written() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("023"), sink.Ring().ReadNext("viewer", 64))

	dec.Destroy()
	dec.Wait()
}

func TestDetachStopsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, livePlaylist(0, "s0.ts"))
	}))
	defer srv.Close()

	events := newEventLog()
	dec := newTestDecoder(Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, dec.Attach(buffer.NewMediaSink(64), events.handler()))
	require.NoError(t, dec.Load(srv.URL+"/live.m3u8", nil))
	events.next(t, session.EventReady)

	require.NoError(t, dec.Detach())
	dec.Wait()

	drained := len(events.ch)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, drained, len(events.ch))

	require.NoError(t, dec.Attach(buffer.NewMediaSink(64), events.handler()), "reattach after detach")
	dec.Destroy()
}

func TestLifecycleErrors(t *testing.T) {
	dec := newTestDecoder(Options{})

	assert.ErrorIs(t, dec.Load("http://example.invalid/x.m3u8", nil), errNotAttached)

	require.NoError(t, dec.Attach(buffer.NewMediaSink(8), func(session.Event) {}))
	assert.ErrorIs(t, dec.Attach(buffer.NewMediaSink(8), func(session.Event) {}), errAlreadyAttached)

	require.NoError(t, dec.Destroy())
	require.NoError(t, dec.Destroy())
	assert.ErrorIs(t, dec.Attach(buffer.NewMediaSink(8), func(session.Event) {}), errDestroyed)
	assert.ErrorIs(t, dec.Load("http://example.invalid/x.m3u8", nil), errDestroyed)
}

type silentSink struct{}

func (silentSink) Play()             {}
func (silentSink) Pause()            {}
func (silentSink) Seek(float64)      {}
func (silentSink) SetVolume(float64) {}

func TestAttachRequiresWritableSink(t *testing.T) {
	dec := newTestDecoder(Options{})
	assert.Error(t, dec.Attach(silentSink{}, func(session.Event) {}))
}

func TestFactoryRequiresClient(t *testing.T) {
	_, err := Factory(Options{})()
	assert.Error(t, err)

	d, err := Factory(Options{Client: client.NewHeaderSettingClient("")})()
	require.NoError(t, err)
	assert.IsType(t, &HLS{}, d)
}

func TestSegmentTrackerEvictsOldest(t *testing.T) {
	st := NewSegmentTracker(2)
	st.MarkProcessed("a")
	st.MarkProcessed("b")
	st.MarkProcessed("b")
	st.MarkProcessed("c")

	assert.False(t, st.HasProcessed("a"))
	assert.True(t, st.HasProcessed("b"))
	assert.True(t, st.HasProcessed("c"))
	assert.Equal(t, 2, st.Size())

	st.Clear()
	assert.Zero(t, st.Size())
	assert.False(t, st.HasProcessed("c"))
}

func TestSegmentIndexAt(t *testing.T) {
	segs := []*m3u8.MediaSegment{{Duration: 0.01}, {Duration: 0.01}, {Duration: 0.01}}

	assert.Equal(t, 0, segmentIndexAt(segs, 0))
	assert.Equal(t, 1, segmentIndexAt(segs, 0.015))
	assert.Equal(t, 3, segmentIndexAt(segs, 5))
	assert.InDelta(t, 0.03, totalDuration(segs), 1e-9)
}

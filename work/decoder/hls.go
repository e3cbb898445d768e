package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"lumos-proxy/work/buffer"
	"lumos-proxy/work/client"
	"lumos-proxy/work/config"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/metrics"
	"lumos-proxy/work/session"
	"lumos-proxy/work/utils"

	"github.com/grafov/m3u8"
)

var (
	errDestroyed       = errors.New("decoder destroyed")
	errAlreadyAttached = errors.New("decoder already attached")
	errNotAttached     = errors.New("decoder not attached")
)

// Options configures an HLS decoder. Client is required; everything else
// has a usable zero value.
type Options struct {
	Client         *client.HeaderSettingClient
	Limiters       *HostLimiters
	Variants       *VariantCache
	Buffers        *buffer.BufferPool
	RequestTimeout time.Duration
	StallTimeout   time.Duration
	SegmentRetries int
	PollInterval   time.Duration // live refresh; zero derives it from the target duration
	VODLead        time.Duration // how far VOD output may run ahead of real time
	Channel        string
	Config         *config.Config
	Logger         *logger.Logger
}

// seekSource is implemented by sinks that record seek targets.
type seekSource interface {
	SeekRequest() (float64, uint64)
}

// pauseSource is implemented by sinks that can report a held output.
type pauseSource interface {
	Paused() bool
}

// HLS pulls an HLS stream and writes its segments into the attached sink.
// The sink must also implement io.Writer.
type HLS struct {
	opts Options
	log  *logger.Logger

	mu        sync.Mutex
	sink      session.Sink
	out       io.Writer
	events    session.EventFunc
	cancel    context.CancelFunc
	destroyed bool
	wg        sync.WaitGroup
}

// New creates a detached decoder.
func New(opts Options) *HLS {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 20 * time.Second
	}
	if opts.SegmentRetries <= 0 {
		opts.SegmentRetries = 3
	}
	if opts.VODLead <= 0 {
		opts.VODLead = 10 * time.Second
	}
	if opts.Buffers == nil {
		opts.Buffers = buffer.NewBufferPool(1 << 20)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &HLS{
		opts: opts,
		log:  opts.Logger.Named("decoder"),
	}
}

// Factory returns a session.DecoderFactory building decoders from opts.
func Factory(opts Options) session.DecoderFactory {
	return func() (session.Decoder, error) {
		if opts.Client == nil {
			return nil, errors.New("decoder: http client is required")
		}
		return New(opts), nil
	}
}

// Attach binds the output sink and event callback.
func (h *HLS) Attach(sink session.Sink, events session.EventFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.destroyed {
		return errDestroyed
	}
	if h.sink != nil {
		return errAlreadyAttached
	}
	out, ok := sink.(io.Writer)
	if !ok {
		return fmt.Errorf("sink %T does not accept media data", sink)
	}

	h.sink, h.out, h.events = sink, out, events
	return nil
}

// Load starts pulling url in the background, replacing any running pull.
// Progress and failures are reported as events.
func (h *HLS) Load(url string, headers http.Header) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return errDestroyed
	}
	if h.sink == nil {
		h.mu.Unlock()
		return errNotAttached
	}
	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	p := &pull{
		seekSeq: seekSeq(h.sink),
		h:       h,
		ctx:     ctx,
		url:     url,
		headers: headers,
		sink:    h.sink,
		out:     h.out,
		events:  h.events,
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		p.run()
	}()
	return nil
}

// Detach stops the pull and unbinds the sink. It does not wait for the
// pull goroutine to exit.
func (h *HLS) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.sink, h.out, h.events = nil, nil, nil
	return nil
}

// Destroy detaches and makes the decoder unusable. Safe to repeat.
func (h *HLS) Destroy() error {
	h.Detach()

	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
	return nil
}

// Wait blocks until every pull goroutine has exited.
func (h *HLS) Wait() {
	h.wg.Wait()
}

// pull is one Load call's worth of work.
type pull struct {
	h       *HLS
	ctx     context.Context
	url     string
	headers http.Header
	sink    session.Sink
	out     io.Writer
	events  session.EventFunc
	seekSeq uint64 // seeks issued before Load do not apply
}

func seekSeq(sink session.Sink) uint64 {
	if seeker, ok := sink.(seekSource); ok {
		_, seq := seeker.SeekRequest()
		return seq
	}
	return 0
}

func (p *pull) emit(ev session.Event) {
	if p.ctx.Err() != nil {
		return
	}
	p.events(ev)
}

func (p *pull) logURL(u string) string {
	return utils.LogURL(p.h.opts.Config, u)
}

func (p *pull) run() {
	log := p.h.log
	log.Debug("{decoder/hls - run} loading %s", p.logURL(p.url))

	media, mediaURL, err := p.h.resolve(p.ctx, p.url, p.headers)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		code := loadErrorCode(err)
		log.Warn("{decoder/hls - run} %s failed to load: %v", p.logURL(p.url), err)
		metrics.StreamErrors.WithLabelValues(p.h.opts.Channel, code).Inc()
		p.emit(session.FatalError(code, session.SeverityUnknown, err))
		return
	}

	segments := mediaSegments(media)
	if media.Closed {
		p.emit(session.Ready(totalDuration(segments)))
		p.playVOD(mediaURL, segments)
		return
	}

	p.emit(session.Ready(0))
	p.playLive(mediaURL, media)
}

// copySegment downloads one segment and writes it to the sink in one piece.
func (p *pull) copySegment(segURL string) (int, error) {
	buf := p.h.opts.Buffers.Get()
	defer p.h.opts.Buffers.Put(buf)

	if err := p.h.fetch(p.ctx, segURL, p.headers, buf, maxSegmentBytes); err != nil {
		return 0, err
	}
	if p.ctx.Err() != nil {
		return 0, p.ctx.Err()
	}
	n, err := p.out.Write(buf.B)
	metrics.BytesTransferred.WithLabelValues(p.h.opts.Channel, "upstream").Add(float64(n))
	return n, err
}

// segmentFailed reports a failed segment and returns false once the retry
// budget is spent.
func (p *pull) segmentFailed(failures int, segURL string, err error) bool {
	metrics.StreamErrors.WithLabelValues(p.h.opts.Channel, session.CodeFragmentLoad).Inc()
	if failures > p.h.opts.SegmentRetries {
		p.h.log.Warn("{decoder/hls - segmentFailed} giving up after %d failed segments, last %s: %v",
			failures, p.logURL(segURL), err)
		p.emit(session.FatalError(session.CodeFragmentGap, session.SeverityUnknown, err))
		return false
	}
	p.h.log.Debug("{decoder/hls - segmentFailed} segment %s failed (%d/%d): %v",
		p.logURL(segURL), failures, p.h.opts.SegmentRetries, err)
	p.emit(session.NonFatalError(session.CodeFragmentLoad, err))
	return true
}

func (p *pull) playVOD(mediaURL string, segments []*m3u8.MediaSegment) {
	seeker, _ := p.sink.(seekSource)
	pauser, _ := p.sink.(pauseSource)

	lastSeek := p.seekSeq

	idx, failures := 0, 0
	origin, written := time.Now(), 0.0
	for idx < len(segments) {
		if p.ctx.Err() != nil {
			return
		}

		if pauser != nil && pauser.Paused() {
			if !sleepCtx(p.ctx, 100*time.Millisecond) {
				return
			}
			origin, written = time.Now(), 0
			continue
		}

		if seeker != nil {
			if target, seq := seeker.SeekRequest(); seq != lastSeek {
				lastSeek = seq
				idx = segmentIndexAt(segments, target)
				origin, written = time.Now(), 0
				p.h.log.Debug("{decoder/hls - playVOD} seek to %.1fs -> segment %d", target, idx)
				continue
			}
		}

		seg := segments[idx]
		segURL, err := utils.ResolveURL(mediaURL, seg.URI)
		if err == nil {
			_, err = p.copySegment(segURL)
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			failures++
			if !p.segmentFailed(failures, segURL, err) {
				return
			}
			if !sleepCtx(p.ctx, backoff(failures)) {
				return
			}
			continue
		}
		failures = 0
		idx++

		written += seg.Duration
		ahead := time.Duration(written*float64(time.Second)) - time.Since(origin)
		if ahead > p.h.opts.VODLead && !sleepCtx(p.ctx, ahead-p.h.opts.VODLead) {
			return
		}
	}
	p.h.log.Debug("{decoder/hls - playVOD} reached end of %s", p.logURL(mediaURL))
}

func (p *pull) playLive(mediaURL string, media *m3u8.MediaPlaylist) {
	target := time.Duration(float64(media.TargetDuration) * float64(time.Second))
	poll := p.h.opts.PollInterval
	if poll <= 0 {
		poll = max(target/2, 500*time.Millisecond)
	}
	grace := min(max(target+target/2, 2*poll), p.h.opts.StallTimeout/2)

	tracker := NewSegmentTracker(128)
	defer tracker.Clear()

	// join near the live edge rather than replaying the whole window
	segments := mediaSegments(media)
	for i := 0; i < len(segments)-3; i++ {
		if segURL, err := utils.ResolveURL(mediaURL, segments[i].URI); err == nil {
			tracker.MarkProcessed(segURL)
		}
	}

	lastProgress := time.Now()
	failures := 0
	buffering := false

	for {
		fresh := 0
		for _, seg := range mediaSegments(media) {
			segURL, err := utils.ResolveURL(mediaURL, seg.URI)
			if err != nil || tracker.HasProcessed(segURL) {
				continue
			}
			if _, err := p.copySegment(segURL); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				failures++
				if !p.segmentFailed(failures, segURL, err) {
					return
				}
				break
			}
			failures = 0
			fresh++
			tracker.MarkProcessed(segURL)
		}

		if fresh > 0 {
			lastProgress = time.Now()
			if buffering {
				buffering = false
				p.emit(session.Buffering(false))
			}
		} else {
			if media.Closed {
				p.h.log.Debug("{decoder/hls - playLive} event stream %s ended", p.logURL(mediaURL))
				return
			}
			idle := time.Since(lastProgress)
			if !buffering && idle > grace {
				buffering = true
				p.emit(session.Buffering(true))
			}
			if idle > p.h.opts.StallTimeout {
				p.h.log.Warn("{decoder/hls - playLive} no new segments from %s for %v", p.logURL(mediaURL), idle.Round(time.Millisecond))
				metrics.StreamErrors.WithLabelValues(p.h.opts.Channel, session.CodeBufferStalled).Inc()
				p.emit(session.FatalError(session.CodeBufferStalled, session.SeverityUnknown,
					fmt.Errorf("no new segments for %v", idle.Round(time.Millisecond))))
				return
			}
		}

		if !sleepCtx(p.ctx, poll) {
			return
		}

		playlist, listType, err := p.h.fetchPlaylist(p.ctx, mediaURL, p.headers)
		if err != nil || listType != m3u8.MEDIA {
			if p.ctx.Err() != nil {
				return
			}
			p.h.log.Debug("{decoder/hls - playLive} refresh of %s failed: %v", p.logURL(mediaURL), err)
			p.emit(session.NonFatalError(session.CodeManifestLoad, err))
			continue
		}
		media = playlist.(*m3u8.MediaPlaylist)
	}
}

func backoff(failures int) time.Duration {
	return min(time.Duration(failures)*250*time.Millisecond, 2*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

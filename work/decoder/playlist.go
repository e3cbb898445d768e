package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"lumos-proxy/work/client"
	"lumos-proxy/work/session"
	"lumos-proxy/work/utils"

	"github.com/grafov/m3u8"
)

const (
	maxPlaylistBytes = 4 << 20
	maxSegmentBytes  = 64 << 20
)

// parseError marks a manifest that could not be understood.
type parseError struct {
	err error
}

func (e *parseError) Error() string { return "parse playlist: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// fetch copies at most limit bytes of rawURL into dst.
func (h *HLS) fetch(ctx context.Context, rawURL string, headers http.Header, dst io.Writer, limit int64) error {
	h.opts.Limiters.Take(rawURL)

	ctx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
	defer cancel()

	body, err := h.opts.Client.Get(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	defer body.Close()

	if _, err := io.Copy(dst, io.LimitReader(body, limit)); err != nil {
		return fmt.Errorf("read %s: %w", utils.LogURL(h.opts.Config, rawURL), err)
	}
	return nil
}

func (h *HLS) fetchPlaylist(ctx context.Context, rawURL string, headers http.Header) (m3u8.Playlist, m3u8.ListType, error) {
	var buf bytes.Buffer
	if err := h.fetch(ctx, rawURL, headers, &buf, maxPlaylistBytes); err != nil {
		return nil, 0, err
	}

	playlist, listType, err := m3u8.DecodeFrom(&buf, false)
	if err != nil {
		return nil, 0, &parseError{err: err}
	}
	if playlist == nil {
		return nil, 0, &parseError{err: errors.New("empty playlist")}
	}
	return playlist, listType, nil
}

// resolve returns the media playlist to play for rawURL, descending into the
// highest-bandwidth variant of a master playlist.
func (h *HLS) resolve(ctx context.Context, rawURL string, headers http.Header) (*m3u8.MediaPlaylist, string, error) {
	if mediaURL, ok := h.opts.Variants.Get(rawURL); ok {
		playlist, listType, err := h.fetchPlaylist(ctx, mediaURL, headers)
		if err == nil && listType == m3u8.MEDIA {
			return playlist.(*m3u8.MediaPlaylist), mediaURL, nil
		}
		h.log.Debug("{decoder/playlist - resolve} cached variant for %s is stale: %v", utils.LogURL(h.opts.Config, rawURL), err)
		h.opts.Variants.Invalidate(rawURL)
	}

	playlist, listType, err := h.fetchPlaylist(ctx, rawURL, headers)
	if err != nil {
		return nil, "", err
	}
	if listType == m3u8.MEDIA {
		return playlist.(*m3u8.MediaPlaylist), rawURL, nil
	}

	variant := selectVariant(playlist.(*m3u8.MasterPlaylist))
	if variant == nil {
		return nil, "", &parseError{err: errors.New("master playlist has no playable variants")}
	}
	mediaURL, err := utils.ResolveURL(rawURL, variant.URI)
	if err != nil {
		return nil, "", &parseError{err: err}
	}
	h.log.Debug("{decoder/playlist - resolve} selected variant %s (bandwidth %d, resolution %s)",
		utils.LogURL(h.opts.Config, mediaURL), variant.Bandwidth, variant.Resolution)

	playlist, listType, err = h.fetchPlaylist(ctx, mediaURL, headers)
	if err != nil {
		return nil, "", err
	}
	if listType != m3u8.MEDIA {
		return nil, "", &parseError{err: errors.New("variant is not a media playlist")}
	}

	h.opts.Variants.Set(rawURL, mediaURL)
	return playlist.(*m3u8.MediaPlaylist), mediaURL, nil
}

// selectVariant picks the highest-bandwidth non-iframe variant.
func selectVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// mediaSegments returns the populated prefix of a playlist's segment slice.
func mediaSegments(media *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	out := make([]*m3u8.MediaSegment, 0, len(media.Segments))
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		out = append(out, seg)
	}
	return out
}

// totalDuration sums segment durations in seconds.
func totalDuration(segments []*m3u8.MediaSegment) float64 {
	var total float64
	for _, seg := range segments {
		total += seg.Duration
	}
	return total
}

// segmentIndexAt returns the index of the segment covering position.
func segmentIndexAt(segments []*m3u8.MediaSegment, position float64) int {
	var elapsed float64
	for i, seg := range segments {
		if position < elapsed+seg.Duration {
			return i
		}
		elapsed += seg.Duration
	}
	return len(segments)
}

// loadErrorCode maps a manifest failure to the decoder error code reported
// to the session.
func loadErrorCode(err error) string {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
		return session.CodeManifestDenied
	}
	var pErr *parseError
	if errors.As(err, &pErr) {
		return session.CodeManifestParse
	}
	return session.CodeManifestLoad
}

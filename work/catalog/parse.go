package catalog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"lumos-proxy/work/config"
	"lumos-proxy/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

var (
	attrRegex    = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)
	qualityRegex = regexp.MustCompile(`(?i)\s*[\(\[]\s*(4k|uhd|fhd|hd|sd|\d{3,4}[pi])\s*[\)\]]\s*$`)
	hlsTagRegex  = regexp.MustCompile(`(?m)^#EXT-X-(STREAM-INF|TARGETDURATION|MEDIA-SEQUENCE):`)
)

// Stream is one playable URL of a channel as found in a source.
type Stream struct {
	URL        string
	Name       string // channel name, quality suffix removed
	Quality    string
	Attributes map[string]string
	Headers    map[string]string // per-stream overrides from #EXTVLCOPT lines
	Source     *config.SourceConfig
}

// Group returns the stream's group, preferring tvg-group over group-title.
func (s *Stream) Group() string {
	if group := s.Attributes["tvg-group"]; group != "" {
		return group
	}
	return s.Attributes["group-title"]
}

// ParseSource reads a source body. Sources that are HLS playlists themselves
// become one stream per variant (or one stream for a media playlist); anything
// else is parsed as an extended M3U channel list.
func ParseSource(r io.Reader, source *config.SourceConfig) ([]*Stream, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	if hlsTagRegex.Match(body) {
		playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
		if err == nil && playlist != nil {
			return parseHLSSource(playlist, listType, source), nil
		}
	}

	return ParseM3U(bytes.NewReader(body), source)
}

func parseHLSSource(playlist m3u8.Playlist, listType m3u8.ListType, source *config.SourceConfig) []*Stream {
	if listType == m3u8.MEDIA {
		return []*Stream{{
			URL:        source.URL,
			Name:       source.Name,
			Attributes: map[string]string{"tvg-name": source.Name},
			Source:     source,
		}}
	}

	var streams []*Stream
	for _, variant := range playlist.(*m3u8.MasterPlaylist).Variants {
		if variant == nil || variant.URI == "" || variant.Iframe {
			continue
		}
		streamURL, err := utils.ResolveURL(source.URL, variant.URI)
		if err != nil {
			continue
		}

		attrs := map[string]string{
			"tvg-name":  source.Name,
			"bandwidth": fmt.Sprintf("%d", variant.Bandwidth),
		}
		quality := ""
		if variant.Resolution != "" {
			attrs["resolution"] = variant.Resolution
			quality = qualityFromResolution(variant.Resolution)
		}
		streams = append(streams, &Stream{
			URL:        streamURL,
			Name:       source.Name,
			Quality:    quality,
			Attributes: attrs,
			Source:     source,
		})
	}
	return streams
}

// qualityFromResolution turns "1280x720" into "720p".
func qualityFromResolution(resolution string) string {
	_, height, ok := strings.Cut(resolution, "x")
	if !ok || height == "" {
		return ""
	}
	return height + "p"
}

// ParseM3U parses an extended M3U channel list.
func ParseM3U(r io.Reader, source *config.SourceConfig) ([]*Stream, error) {
	var streams []*Stream
	var attrs map[string]string
	var headers map[string]string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTINF:"):
			attrs = ParseEXTINF(line)
			headers = nil
		case strings.HasPrefix(line, "#EXTVLCOPT:"):
			key, value, ok := parseVLCOpt(line)
			if ok {
				if headers == nil {
					headers = make(map[string]string)
				}
				headers[key] = value
			}
		case strings.HasPrefix(line, "#"):
		case attrs != nil && (strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")):
			streams = append(streams, newStream(line, attrs, headers, source))
			attrs, headers = nil, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return streams, fmt.Errorf("scan source: %w", err)
	}
	return streams, nil
}

func newStream(streamURL string, attrs, headers map[string]string, source *config.SourceConfig) *Stream {
	name, quality := splitQuality(attrs["tvg-name"])
	if quality == "" {
		_, quality = splitQuality(attrs["title"])
	}
	if q := attrs["quality"]; q != "" {
		quality = q
	}
	if name == "" {
		name = "Unknown"
	}
	if strings.EqualFold(quality, "hd") {
		quality = "HD"
	}
	return &Stream{
		URL:        streamURL,
		Name:       name,
		Quality:    quality,
		Attributes: attrs,
		Headers:    headers,
		Source:     source,
	}
}

// splitQuality cuts a trailing "(720p)" or "[HD]" off a display name.
func splitQuality(name string) (string, string) {
	m := qualityRegex.FindStringSubmatchIndex(name)
	if m == nil {
		return strings.TrimSpace(name), ""
	}
	return strings.TrimSpace(name[:m[0]]), name[m[2]:m[3]]
}

// ParseEXTINF splits an #EXTINF line into its duration, quoted attributes and
// trailing title (stored as tvg-name when no tvg-name attribute is present).
func ParseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	// the title follows the last comma outside quotes
	lastComma := -1
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				lastComma = i
			}
		}
	}

	head, title := line, ""
	if lastComma >= 0 {
		head, title = line[:lastComma], strings.TrimSpace(line[lastComma+1:])
	}

	if fields := strings.Fields(head); len(fields) > 0 && !strings.Contains(fields[0], "=") {
		attrs["duration"] = fields[0]
	}
	for _, m := range attrRegex.FindAllStringSubmatch(head, -1) {
		attrs[m[1]] = m[2]
	}

	if title != "" {
		attrs["title"] = title
		if attrs["tvg-name"] == "" {
			attrs["tvg-name"] = title
		}
	}
	return attrs
}

// parseVLCOpt maps "#EXTVLCOPT:http-referrer=..." to an HTTP header.
func parseVLCOpt(line string) (string, string, bool) {
	opt := strings.TrimPrefix(line, "#EXTVLCOPT:")
	key, value, ok := strings.Cut(opt, "=")
	if !ok || value == "" {
		return "", "", false
	}
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "http-referrer", "http-referer":
		return "Referer", value, true
	case "http-user-agent":
		return "User-Agent", value, true
	case "http-origin":
		return "Origin", value, true
	}
	return "", "", false
}

package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Playlist renders the channel list as M3U, each entry pointing back at this
// server's stream endpoint. A non-empty group keeps only that group
// (case-insensitive). Output is cached until the next import or the cache
// duration elapses.
func (c *Catalog) Playlist(group string) string {
	key := "playlist"
	if group != "" {
		key = "playlist_" + strings.ToLower(group)
	}
	if cached, ok := c.playlists.GetIfPresent(key); ok {
		c.log.Debug("{catalog/playlist - Playlist} serving cached playlist (key: %s)", key)
		return cached
	}

	channels := c.Channels()
	var b strings.Builder
	b.Grow(len(channels) * 200)
	b.WriteString("#EXTM3U\n")

	written := 0
	for _, ch := range channels {
		if len(ch.Streams) == 0 {
			continue
		}
		if group != "" && !strings.EqualFold(ch.Group(), group) {
			continue
		}
		written++

		attrs := ch.Streams[0].Attributes
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			if k == "tvg-name" || k == "duration" || k == "title" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("#EXTINF:-1")
		fmt.Fprintf(&b, " tvg-name=\"%s\"", attrValue(ch.Name))
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=\"%s\"", k, attrValue(attrs[k]))
		}
		fmt.Fprintf(&b, ",%s\n", strings.Trim(ch.Name, `"`))
		fmt.Fprintf(&b, "%s/stream/%s\n", strings.TrimRight(c.cfg.BaseURL, "/"), ch.SafeName())
	}

	out := b.String()
	c.playlists.Set(key, out)
	c.log.Debug("{catalog/playlist - Playlist} generated playlist with %d of %d channels (group %q)", written, len(channels), group)
	return out
}

func attrValue(v string) string {
	return strings.ReplaceAll(v, `"`, "'")
}

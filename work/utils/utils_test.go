package utils

import (
	"testing"

	"lumos-proxy/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeChannelName(t *testing.T) {
	assert.Equal(t, "BBC_One_HD", SanitizeChannelName("BBC One: HD"))
	assert.Equal(t, "News_24", SanitizeChannelName("  News / 24 "))
	assert.Equal(t, "Kids", SanitizeChannelName("'Kids'"))
}

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "http://example.com/***?***", ObfuscateURL("http://example.com/secret/stream.m3u8?token=abc"))
	assert.Equal(t, "https://cdn.example", ObfuscateURL("https://cdn.example"))
	assert.Equal(t, "", ObfuscateURL(""))
}

func TestLogURLHonoursConfig(t *testing.T) {
	raw := "http://example.com/live/1.m3u8"
	assert.Equal(t, raw, LogURL(&config.Config{}, raw))
	assert.Equal(t, "http://example.com/***", LogURL(&config.Config{ObfuscateUrls: true}, raw))
	assert.Equal(t, raw, LogURL(nil, raw))
}

func TestResolveURL(t *testing.T) {
	got, err := ResolveURL("http://cdn.example/live/master.m3u8", "720p/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.example/live/720p/index.m3u8", got)

	got, err = ResolveURL("http://cdn.example/live/master.m3u8", "https://other.example/seg.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/seg.ts", got)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 MiB", FormatBytes(2*1024*1024))
}

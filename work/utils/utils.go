package utils

import (
	"fmt"
	"net/url"
	"strings"

	"lumos-proxy/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, u string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(u)
	}
	return u
}

var channelNameReplacer = strings.NewReplacer(
	" ", "_", ",", "_", "\"", "", "'", "", "/", "_", "\\", "_", "?", "_",
	"&", "_", "=", "_", ":", "_", ";", "_", "|", "_", "*", "_", "<", "_", ">", "_",
)

// SanitizeChannelName turns a display name into a URL-safe channel key.
func SanitizeChannelName(name string) string {
	sanitized := channelNameReplacer.Replace(name)
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}

// ObfuscateURL keeps scheme and host and masks everything else.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// ResolveURL resolves ref against base, as playlist URIs are relative to the
// manifest that listed them.
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid reference url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

// FormatBytes renders a byte count for logs.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

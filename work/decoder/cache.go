package decoder

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// VariantCache remembers which media playlist a master playlist resolved to,
// so recoveries and restarts skip the master round trip.
type VariantCache struct {
	cache *otter.Cache[string, string]
}

// NewVariantCache keeps up to size resolutions for ttl after they are written.
func NewVariantCache(size int, ttl time.Duration) *VariantCache {
	return &VariantCache{
		cache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
		}),
	}
}

// Get returns the media playlist URL cached for masterURL.
func (vc *VariantCache) Get(masterURL string) (string, bool) {
	if vc == nil {
		return "", false
	}
	return vc.cache.GetIfPresent(masterURL)
}

// Set records the media playlist chosen for masterURL.
func (vc *VariantCache) Set(masterURL, mediaURL string) {
	if vc == nil {
		return
	}
	vc.cache.Set(masterURL, mediaURL)
}

// Invalidate drops a resolution that stopped working.
func (vc *VariantCache) Invalidate(masterURL string) {
	if vc == nil {
		return
	}
	vc.cache.Invalidate(masterURL)
}

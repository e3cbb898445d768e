package session

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// StreamCandidate is one playable source for a channel. Candidates are tried
// in list order.
type StreamCandidate struct {
	URL          string      `json:"url"`
	QualityLabel string      `json:"quality,omitempty"`
	AuthHeaders  http.Header `json:"headers,omitempty"`
	Preferred    bool        `json:"preferred,omitempty"`
}

// ValidateCandidates rejects empty lists and candidates without an absolute
// http(s) URL.
func ValidateCandidates(candidates []StreamCandidate) error {
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no stream candidates", ErrInvalidInput)
	}
	for i, c := range candidates {
		if c.URL == "" {
			return fmt.Errorf("%w: candidate %d has no url", ErrInvalidInput, i)
		}
		u, err := url.Parse(c.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: candidate %d has invalid url", ErrInvalidInput, i)
		}
	}
	return nil
}

// OrderCandidates returns a copy with preferred candidates moved to the front.
// Relative order within each group is kept.
func OrderCandidates(candidates []StreamCandidate) []StreamCandidate {
	ordered := cloneCandidates(candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Preferred && !ordered[j].Preferred
	})
	return ordered
}

func cloneCandidates(candidates []StreamCandidate) []StreamCandidate {
	if candidates == nil {
		return nil
	}
	out := make([]StreamCandidate, len(candidates))
	for i, c := range candidates {
		c.AuthHeaders = c.AuthHeaders.Clone()
		out[i] = c
	}
	return out
}

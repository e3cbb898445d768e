package decoder

import (
	"net/url"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// HostLimiters paces upstream requests per host so a channel switching
// between candidates on the same provider cannot hammer it.
type HostLimiters struct {
	rate     int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewHostLimiters allows rate requests per second per host. A rate of zero
// or less disables pacing.
func NewHostLimiters(rate int) *HostLimiters {
	return &HostLimiters{
		rate:     rate,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Take blocks until a request to rawURL's host is allowed.
func (hl *HostLimiters) Take(rawURL string) {
	if hl == nil || hl.rate <= 0 {
		return
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	limiter, _ := hl.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(hl.rate)
	})
	limiter.Take()
}

// SetRate overrides the pacing for one host, e.g. from a source's
// configured requestsPerSecond.
func (hl *HostLimiters) SetRate(host string, rate int) {
	if hl == nil || rate <= 0 {
		return
	}
	hl.limiters.Store(host, ratelimit.New(rate))
}

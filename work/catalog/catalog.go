package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"lumos-proxy/work/client"
	"lumos-proxy/work/config"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/session"
	"lumos-proxy/work/utils"

	"github.com/maypok86/otter/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// ErrUnknownChannel is returned for channel names the catalog has not seen.
var ErrUnknownChannel = errors.New("unknown channel")

const importTimeout = 2 * time.Minute

// OrderStore supplies persisted stream orders and dead streams.
type OrderStore interface {
	LoadStreamOrder(channel string) ([]string, error)
	DeadStreamSet(channel string) (map[string]struct{}, error)
}

// Channel groups the streams of one channel across all sources, in source
// order.
type Channel struct {
	Name    string
	Streams []*Stream
}

// SafeName is the channel's URL key.
func (ch *Channel) SafeName() string {
	return utils.SanitizeChannelName(ch.Name)
}

// Group returns the group of the channel's first stream.
func (ch *Channel) Group() string {
	if len(ch.Streams) == 0 {
		return ""
	}
	return ch.Streams[0].Group()
}

// Catalog imports the configured sources and turns channels into session
// candidate lists.
type Catalog struct {
	cfg      *config.Config
	client   *client.HeaderSettingClient
	pool     *ants.Pool
	store    OrderStore
	filters  *FilterManager
	limiters map[string]ratelimit.Limiter // by source URL, fixed after New
	log      *logger.Logger

	channels  *xsync.MapOf[string, *Channel] // by SafeName
	playlists *otter.Cache[string, string]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an empty catalog. store may be nil.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, pool *ants.Pool, store OrderStore, log *logger.Logger) *Catalog {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("catalog")

	c := &Catalog{
		cfg:      cfg,
		client:   httpClient,
		pool:     pool,
		store:    store,
		filters:  NewFilterManager(log),
		limiters: make(map[string]ratelimit.Limiter, len(cfg.Sources)),
		log:      log,
		channels: xsync.NewMapOf[string, *Channel](),
		playlists: otter.Must(&otter.Options[string, string]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, string](cfg.CacheDuration),
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	for _, src := range cfg.Sources {
		rate := src.RequestsPerSecond
		if rate <= 0 {
			rate = 5
		}
		c.limiters[src.URL] = ratelimit.New(rate)
		log.Debug("{catalog/catalog - New} rate limiter for source %s: %d req/sec", src.Name, rate)
	}
	return c
}

func (c *Catalog) limiterFor(src *config.SourceConfig) ratelimit.Limiter {
	if l, ok := c.limiters[src.URL]; ok {
		return l
	}
	return ratelimit.NewUnlimited()
}

// Import fetches every source through the worker pool and replaces the
// channel set. Sources that fail keep no channels.
func (c *Catalog) Import(ctx context.Context) error {
	sources := c.cfg.GetSourcesByOrder()
	if len(sources) == 0 {
		c.log.Warn("{catalog/catalog - Import} no sources configured, skipping import")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()

	results := make([][]*Stream, len(sources))
	var wg sync.WaitGroup
	for i := range sources {
		src := &sources[i]
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			results[i] = c.importSource(ctx, src)
		})
		if err != nil {
			wg.Done()
			c.log.Error("{catalog/catalog - Import} cannot schedule import of %s: %v", src.Name, err)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	fresh := make(map[string]*Channel)
	var order []string
	for _, streams := range results {
		for _, s := range streams {
			key := utils.SanitizeChannelName(s.Name)
			ch, ok := fresh[key]
			if !ok {
				ch = &Channel{Name: s.Name}
				fresh[key] = ch
				order = append(order, key)
			}
			ch.Streams = append(ch.Streams, s)
		}
	}

	for _, key := range order {
		c.channels.Store(key, fresh[key])
	}
	c.channels.Range(func(key string, _ *Channel) bool {
		if _, ok := fresh[key]; !ok {
			c.channels.Delete(key)
		}
		return true
	})
	c.playlists.InvalidateAll()

	c.log.Info("{catalog/catalog - Import} imported %d channels from %d sources", len(fresh), len(sources))
	return nil
}

func (c *Catalog) importSource(ctx context.Context, src *config.SourceConfig) []*Stream {
	for attempt := 0; attempt <= src.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(src.RetryDelay):
			}
		}

		c.limiterFor(src).Take()
		streams, err := c.fetchSource(ctx, src)
		if err == nil {
			streams = c.filters.FilterStreams(streams, src)
			c.log.Debug("{catalog/catalog - importSource} parsed %d streams from %s", len(streams), utils.LogURL(c.cfg, src.URL))
			return streams
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("{catalog/catalog - importSource} %s: attempt %d/%d failed: %v",
			src.Name, attempt+1, src.MaxRetries+1, err)
	}
	return nil
}

func (c *Catalog) fetchSource(ctx context.Context, src *config.SourceConfig) ([]*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	body, err := c.client.Get(ctx, src.URL, sourceHeaders(src))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return ParseSource(body, src)
}

// sourceHeaders are the request headers a source is configured with.
func sourceHeaders(src *config.SourceConfig) http.Header {
	h := http.Header{}
	if src.UserAgent != "" {
		h.Set("User-Agent", src.UserAgent)
	}
	if src.ReqOrigin != "" {
		h.Set("Origin", src.ReqOrigin)
	}
	if src.ReqReferrer != "" {
		h.Set("Referer", src.ReqReferrer)
	}
	return h
}

// Channel looks a channel up by display name or URL key.
func (c *Catalog) Channel(name string) (*Channel, bool) {
	return c.channels.Load(utils.SanitizeChannelName(name))
}

// Channels returns every channel sorted by the configured attribute.
func (c *Catalog) Channels() []*Channel {
	list := make([]*Channel, 0, c.channels.Size())
	c.channels.Range(func(_ string, ch *Channel) bool {
		list = append(list, ch)
		return true
	})

	desc := c.cfg.SortDirection == "desc"
	sort.SliceStable(list, func(i, j int) bool {
		a, b := c.sortValue(list[i]), c.sortValue(list[j])
		if a == b {
			return list[i].Name < list[j].Name
		}
		if desc {
			return a > b
		}
		return a < b
	})
	return list
}

func (c *Catalog) sortValue(ch *Channel) string {
	field := c.cfg.SortField
	if field == "" {
		field = "tvg-name"
	}
	if len(ch.Streams) > 0 {
		if v, ok := ch.Streams[0].Attributes[field]; ok {
			return strings.ToLower(v)
		}
	}
	return strings.ToLower(ch.Name)
}

// Candidates builds the ordered candidate list for a channel: persisted
// order first, dead streams skipped while any live one remains, and the first
// HD stream flagged as preferred.
func (c *Catalog) Candidates(name string) ([]session.StreamCandidate, error) {
	ch, ok := c.Channel(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}

	streams := c.applyOrder(ch)
	streams = c.skipDead(ch, streams)

	candidates := make([]session.StreamCandidate, 0, len(streams))
	preferred := false
	for _, s := range streams {
		cand := session.StreamCandidate{
			URL:          s.URL,
			QualityLabel: s.Quality,
			AuthHeaders:  candidateHeaders(s),
		}
		if !preferred && s.Quality == "HD" {
			cand.Preferred = true
			preferred = true
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func (c *Catalog) applyOrder(ch *Channel) []*Stream {
	streams := append([]*Stream(nil), ch.Streams...)
	if c.store == nil {
		return streams
	}

	urls, err := c.store.LoadStreamOrder(ch.SafeName())
	if err != nil {
		c.log.Warn("{catalog/catalog - applyOrder} %s: cannot load stream order: %v", ch.Name, err)
		return streams
	}
	if len(urls) == 0 {
		return streams
	}

	rank := make(map[string]int, len(urls))
	for i, u := range urls {
		if _, dup := rank[u]; !dup {
			rank[u] = i
		}
	}
	// unlisted streams keep their relative order after the listed ones
	sort.SliceStable(streams, func(i, j int) bool {
		ri, iok := rank[streams[i].URL]
		rj, jok := rank[streams[j].URL]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
	return streams
}

func (c *Catalog) skipDead(ch *Channel, streams []*Stream) []*Stream {
	if c.store == nil {
		return streams
	}
	dead, err := c.store.DeadStreamSet(ch.SafeName())
	if err != nil {
		c.log.Warn("{catalog/catalog - skipDead} %s: cannot load dead streams: %v", ch.Name, err)
		return streams
	}
	if len(dead) == 0 {
		return streams
	}

	alive := make([]*Stream, 0, len(streams))
	for _, s := range streams {
		if _, isDead := dead[s.URL]; !isDead {
			alive = append(alive, s)
		}
	}
	if len(alive) == 0 {
		c.log.Warn("{catalog/catalog - skipDead} %s: every stream is marked dead, trying all of them", ch.Name)
		return streams
	}
	return alive
}

func candidateHeaders(s *Stream) http.Header {
	h := http.Header{}
	if s.Source != nil {
		h = sourceHeaders(s.Source)
	}
	for k, v := range s.Headers {
		h.Set(k, v)
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

// SourceOf returns the source that listed url on channel, or nil.
func (c *Catalog) SourceOf(name, url string) *config.SourceConfig {
	ch, ok := c.Channel(name)
	if !ok {
		return nil
	}
	for _, s := range ch.Streams {
		if s.URL == url {
			return s.Source
		}
	}
	return nil
}

// StartRefresh re-imports on the configured interval until Stop. It returns
// immediately.
func (c *Catalog) StartRefresh() {
	interval := c.cfg.ImportRefreshInterval
	c.log.Debug("{catalog/catalog - StartRefresh} import refresh every %s", interval)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if err := c.Import(context.Background()); err != nil {
					c.log.Error("{catalog/catalog - StartRefresh} scheduled import failed: %v", err)
				}
			}
		}
	}()
}

// Stop ends the refresh loop started by StartRefresh.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// Wait blocks until the refresh loop has exited. Only valid after
// StartRefresh.
func (c *Catalog) Wait() {
	<-c.done
}

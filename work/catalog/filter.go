package catalog

import (
	"strings"

	"lumos-proxy/work/config"
	"lumos-proxy/work/logger"

	"github.com/grafana/regexp"
	"github.com/puzpuzpuz/xsync/v3"
)

// compiledFilter holds a source's include/exclude patterns. A nil pattern
// does not constrain.
type compiledFilter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// FilterManager compiles source filters once and reuses them across imports.
type FilterManager struct {
	filters *xsync.MapOf[string, *compiledFilter]
	log     *logger.Logger
}

// NewFilterManager creates an empty filter manager.
func NewFilterManager(log *logger.Logger) *FilterManager {
	return &FilterManager{
		filters: xsync.NewMapOf[string, *compiledFilter](),
		log:     log,
	}
}

func (fm *FilterManager) get(source *config.SourceConfig) *compiledFilter {
	f, _ := fm.filters.LoadOrCompute(source.URL, func() *compiledFilter {
		return &compiledFilter{
			include: fm.compile(source.Name, "include", source.IncludeRegex),
			exclude: fm.compile(source.Name, "exclude", source.ExcludeRegex),
		}
	})
	return f
}

// compile returns nil for an empty or invalid pattern; invalid patterns are
// logged and ignored.
func (fm *FilterManager) compile(sourceName, kind, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		fm.log.Error("{catalog/filter - compile} %s: invalid %s pattern %q: %v", sourceName, kind, pattern, err)
		return nil
	}
	return re
}

// Clear drops every compiled filter, e.g. after a config reload.
func (fm *FilterManager) Clear() {
	fm.filters.Clear()
}

// FilterStreams keeps the streams whose lowercased name matches the source's
// include pattern (if any) and not its exclude pattern (if any).
func (fm *FilterManager) FilterStreams(streams []*Stream, source *config.SourceConfig) []*Stream {
	if source.IncludeRegex == "" && source.ExcludeRegex == "" {
		return streams
	}

	f := fm.get(source)
	filtered := make([]*Stream, 0, len(streams))
	for _, s := range streams {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if f.include != nil && !f.include.MatchString(name) {
			continue
		}
		if f.exclude != nil && f.exclude.MatchString(name) {
			continue
		}
		filtered = append(filtered, s)
	}

	fm.log.Debug("{catalog/filter - FilterStreams} filtered %d -> %d streams for source %s", len(streams), len(filtered), source.Name)
	return filtered
}

package logs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	searchCacheSize = 100
	searchCacheTTL  = 5 * time.Minute
	defaultRefresh  = time.Minute
	topPatternCount = 10
	minKeywordLen   = 3
)

// Query is the parsed form of the search DSL: whitespace-separated terms,
// key:value filters, -term excludes, +term requireds, quoted phrases, and
// /regex/ whole-query mode.
type Query struct {
	Terms    []string
	Required []string
	Excluded []string
	Phrases  []string
	Regex    *regexp.Regexp
	Level    string
	Stream   string
}

// ParseQuery parses the search DSL
func ParseQuery(raw string) (*Query, error) {
	raw = strings.TrimSpace(raw)
	q := &Query{}

	if len(raw) >= 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") {
		re, err := regexp.Compile(raw[1 : len(raw)-1])
		if err != nil {
			return nil, types.WrapError(types.ErrValidation, "invalid query regex", err)
		}
		q.Regex = re
		return q, nil
	}

	for _, tok := range tokenize(raw) {
		switch {
		case strings.HasPrefix(tok, "\"") && strings.HasSuffix(tok, "\"") && len(tok) >= 2:
			q.Phrases = append(q.Phrases, strings.ToLower(tok[1:len(tok)-1]))
		case strings.HasPrefix(tok, "level:"):
			q.Level = strings.ToLower(tok[len("level:"):])
		case strings.HasPrefix(tok, "stream:"):
			q.Stream = strings.ToLower(tok[len("stream:"):])
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			q.Excluded = append(q.Excluded, strings.ToLower(tok[1:]))
		case strings.HasPrefix(tok, "+") && len(tok) > 1:
			q.Required = append(q.Required, strings.ToLower(tok[1:]))
		case tok != "":
			q.Terms = append(q.Terms, strings.ToLower(tok))
		}
	}
	return q, nil
}

// tokenize splits on whitespace but keeps quoted phrases intact
func tokenize(raw string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && (r == ' ' || r == '\t'):
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

// Match reports whether a log entry satisfies the query
func (q *Query) Match(e types.LogEntry) bool {
	if q.Regex != nil {
		return q.Regex.MatchString(e.Message)
	}
	if q.Level != "" && string(e.Level) != q.Level {
		return false
	}
	if q.Stream != "" && string(e.Stream) != q.Stream {
		return false
	}

	msg := strings.ToLower(e.Message)
	for _, t := range q.Excluded {
		if strings.Contains(msg, t) {
			return false
		}
	}
	for _, t := range q.Required {
		if !strings.Contains(msg, t) {
			return false
		}
	}
	for _, p := range q.Phrases {
		if !strings.Contains(msg, p) {
			return false
		}
	}
	for _, t := range q.Terms {
		if !strings.Contains(msg, t) {
			return false
		}
	}
	return true
}

// containerIndex is the per-container search metadata
type containerIndex struct {
	entries       []types.LogEntry
	levelCounts   map[types.LogLevel]int
	keywords      map[string][]int // keyword → entry offsets
	timestamps    []int64          // ascending
	errorPatterns map[string]int
	perf          []PerfMetric
	builtAt       time.Time
}

func buildIndex(entries []types.LogEntry) *containerIndex {
	idx := &containerIndex{
		entries:       entries,
		levelCounts:   make(map[types.LogLevel]int),
		keywords:      make(map[string][]int),
		errorPatterns: make(map[string]int),
		builtAt:       time.Now(),
	}
	for i, e := range entries {
		idx.levelCounts[e.Level]++
		idx.timestamps = append(idx.timestamps, e.Timestamp)
		for _, kw := range keywordsOf(e.Message) {
			offs := idx.keywords[kw]
			if len(offs) == 0 || offs[len(offs)-1] != i {
				idx.keywords[kw] = append(offs, i)
			}
		}
		if p := ExtractErrorPattern(e.Message); p != "" {
			idx.errorPatterns[p]++
		}
		idx.perf = append(idx.perf, ExtractPerfMetrics(e.Message, e.Timestamp)...)
	}
	return idx
}

var keywordSplitRe = regexp.MustCompile(`[^a-z0-9]+`)

func keywordsOf(message string) []string {
	var out []string
	for _, w := range keywordSplitRe.Split(strings.ToLower(message), -1) {
		if len(w) >= minKeywordLen {
			out = append(out, w)
		}
	}
	return out
}

// SearchOptions narrow and shape a search
type SearchOptions struct {
	Containers []string
	StartTime  int64
	EndTime    int64
	Limit      int
	Facets     bool
}

// ContainerHits groups matches for one container, newest first
type ContainerHits struct {
	Container string           `json:"container"`
	Entries   []types.LogEntry `json:"entries"`
}

// Facets enrich a result with aggregate views
type Facets struct {
	Containers    map[string]int         `json:"containers"`
	Levels        map[types.LogLevel]int `json:"levels"`
	TimeRanges    map[string]int         `json:"timeRanges"`
	ErrorPatterns []PatternCount         `json:"errorPatterns"`
}

// PatternCount is one normalized error pattern with its occurrence count
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// SearchResult is a grouped, recency-ranked search response
type SearchResult struct {
	Total  int             `json:"total"`
	Groups []ContainerHits `json:"groups"`
	Facets *Facets         `json:"facets,omitempty"`
}

// SearchService maintains per-container indexes over persisted logs and
// answers DSL queries with an LRU result cache in front.
type SearchService struct {
	mu      sync.RWMutex
	indexes map[string]*containerIndex

	store   *Store
	cache   *expirable.LRU[string, *SearchResult]
	refresh time.Duration
	stopCh  chan struct{}
	stopped sync.Once
}

// NewSearchService creates a search service over the log store
func NewSearchService(store *Store) *SearchService {
	return &SearchService{
		indexes: make(map[string]*containerIndex),
		store:   store,
		cache:   expirable.NewLRU[string, *SearchResult](searchCacheSize, nil, searchCacheTTL),
		refresh: defaultRefresh,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background index refresh task
func (s *SearchService) Start() {
	go func() {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RefreshStale()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the refresh task
func (s *SearchService) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// RefreshStale rebuilds every index older than the refresh period
func (s *SearchService) RefreshStale() {
	cutoff := time.Now().Add(-s.refresh)
	searchLog := log.WithComponent("search")

	for _, name := range s.store.Containers() {
		s.mu.RLock()
		idx, ok := s.indexes[name]
		s.mu.RUnlock()
		if ok && idx.builtAt.After(cutoff) {
			continue
		}
		if err := s.Reindex(name); err != nil {
			searchLog.Warn().Str("container", name).Err(err).Msg("reindex failed")
		}
	}
}

// Reindex rebuilds one container's index from its persisted logs
func (s *SearchService) Reindex(containerName string) error {
	entries, err := s.store.ReadPersisted(containerName)
	if err != nil {
		return err
	}
	idx := buildIndex(entries)

	s.mu.Lock()
	s.indexes[containerName] = idx
	s.mu.Unlock()
	return nil
}

// Search runs a DSL query across containers. Results are grouped by
// container and ranked by recency only.
func (s *SearchService) Search(rawQuery string, opts SearchOptions) (*SearchResult, error) {
	q, err := ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	key := cacheKey(rawQuery, opts)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	containers := opts.Containers
	if len(containers) == 0 {
		containers = s.store.Containers()
	}
	sort.Strings(containers)

	result := &SearchResult{}
	var facetEntries []types.LogEntry
	for _, name := range containers {
		matches := s.searchContainer(name, q, opts)
		if len(matches) == 0 {
			continue
		}
		// Newest first within the group
		sort.Slice(matches, func(i, j int) bool { return matches[i].Timestamp > matches[j].Timestamp })
		if opts.Limit > 0 && len(matches) > opts.Limit {
			matches = matches[:opts.Limit]
		}
		result.Total += len(matches)
		result.Groups = append(result.Groups, ContainerHits{Container: name, Entries: matches})
		facetEntries = append(facetEntries, matches...)
	}

	if opts.Facets {
		result.Facets = s.buildFacets(containers, facetEntries)
	}

	s.cache.Add(key, result)
	return result, nil
}

// searchContainer resolves matches for one container, preferring the keyword
// index and falling back to a full scan of the entries.
func (s *SearchService) searchContainer(name string, q *Query, opts SearchOptions) []types.LogEntry {
	s.mu.RLock()
	idx, ok := s.indexes[name]
	s.mu.RUnlock()
	if !ok {
		if err := s.Reindex(name); err != nil {
			return nil
		}
		s.mu.RLock()
		idx = s.indexes[name]
		s.mu.RUnlock()
	}

	candidates := idx.entries
	if len(q.Terms) > 0 && q.Regex == nil && len(q.Phrases) == 0 {
		if offsets, ok := idx.lookup(q.Terms); ok {
			candidates = make([]types.LogEntry, 0, len(offsets))
			for _, off := range offsets {
				candidates = append(candidates, idx.entries[off])
			}
		}
	}

	var out []types.LogEntry
	for _, e := range candidates {
		if opts.StartTime != 0 && e.Timestamp < opts.StartTime {
			continue
		}
		if opts.EndTime != 0 && e.Timestamp > opts.EndTime {
			continue
		}
		if q.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// lookup intersects keyword posting lists; ok=false means a term is not an
// indexable keyword and the caller must full-scan.
func (idx *containerIndex) lookup(terms []string) ([]int, bool) {
	var result map[int]bool
	for _, t := range terms {
		if len(t) < minKeywordLen {
			return nil, false
		}
		offsets, ok := idx.keywords[t]
		if !ok {
			return []int{}, true
		}
		if result == nil {
			result = make(map[int]bool, len(offsets))
			for _, off := range offsets {
				result[off] = true
			}
			continue
		}
		next := make(map[int]bool)
		for _, off := range offsets {
			if result[off] {
				next[off] = true
			}
		}
		result = next
	}

	out := make([]int, 0, len(result))
	for off := range result {
		out = append(out, off)
	}
	sort.Ints(out)
	return out, true
}

func (s *SearchService) buildFacets(containers []string, matched []types.LogEntry) *Facets {
	f := &Facets{
		Containers: make(map[string]int),
		Levels:     make(map[types.LogLevel]int),
		TimeRanges: map[string]int{"last_hour": 0, "last_24h": 0, "last_7d": 0},
	}

	now := time.Now().UnixMilli()
	for _, e := range matched {
		f.Containers[e.ContainerName]++
		f.Levels[e.Level]++
		age := now - e.Timestamp
		if age <= time.Hour.Milliseconds() {
			f.TimeRanges["last_hour"]++
		}
		if age <= 24*time.Hour.Milliseconds() {
			f.TimeRanges["last_24h"]++
		}
		if age <= 7*24*time.Hour.Milliseconds() {
			f.TimeRanges["last_7d"]++
		}
	}

	counts := make(map[string]int)
	s.mu.RLock()
	for _, name := range containers {
		if idx, ok := s.indexes[name]; ok {
			for p, c := range idx.errorPatterns {
				counts[p] += c
			}
		}
	}
	s.mu.RUnlock()

	for p, c := range counts {
		f.ErrorPatterns = append(f.ErrorPatterns, PatternCount{Pattern: p, Count: c})
	}
	sort.Slice(f.ErrorPatterns, func(i, j int) bool {
		if f.ErrorPatterns[i].Count == f.ErrorPatterns[j].Count {
			return f.ErrorPatterns[i].Pattern < f.ErrorPatterns[j].Pattern
		}
		return f.ErrorPatterns[i].Count > f.ErrorPatterns[j].Count
	})
	if len(f.ErrorPatterns) > topPatternCount {
		f.ErrorPatterns = f.ErrorPatterns[:topPatternCount]
	}
	return f
}

// Stats summarizes one container's index
type Stats struct {
	Container   string                 `json:"container"`
	Entries     int                    `json:"entries"`
	LevelCounts map[types.LogLevel]int `json:"levelCounts"`
	Patterns    int                    `json:"patterns"`
	PerfSamples int                    `json:"perfSamples"`
	IndexedAt   time.Time              `json:"indexedAt"`
}

// IndexStats returns index metadata for a container
func (s *SearchService) IndexStats(containerName string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.indexes[containerName]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "no index for container %s", containerName)
	}
	return &Stats{
		Container:   containerName,
		Entries:     len(idx.entries),
		LevelCounts: idx.levelCounts,
		Patterns:    len(idx.errorPatterns),
		PerfSamples: len(idx.perf),
		IndexedAt:   idx.builtAt,
	}, nil
}

// PerfMetrics returns the performance figures parsed from a container's logs
func (s *SearchService) PerfMetrics(containerName string) []PerfMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indexes[containerName]; ok {
		out := make([]PerfMetric, len(idx.perf))
		copy(out, idx.perf)
		return out
	}
	return nil
}

func cacheKey(raw string, opts SearchOptions) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%t",
		raw, strings.Join(opts.Containers, ","), opts.StartTime, opts.EndTime, opts.Limit, opts.Facets)
}

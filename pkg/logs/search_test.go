package logs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/types"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir(), 100)
	now := time.Now().UnixMilli()

	lines := []struct {
		container string
		msg       string
		level     types.LogLevel
	}{
		{"web", "Server listening on port 3000", types.LogLevelInfo},
		{"web", "ERROR: Failed to connect to database", types.LogLevelError},
		{"web", "request handled response time 42ms", types.LogLevelInfo},
		{"api", "Cannot open file config.yaml", types.LogLevelError},
		{"api", "worker pool started", types.LogLevelInfo},
	}
	for i, l := range lines {
		e := types.LogEntry{
			Timestamp:     now - int64(len(lines)-i)*1000,
			Level:         l.level,
			Stream:        types.LogStreamStdout,
			Message:       l.msg,
			ContainerName: l.container,
		}
		require.NoError(t, s.Append(l.container, e))
	}
	return s
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(`database -redis +timeout level:error stream:stderr "connection lost"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"database"}, q.Terms)
	assert.Equal(t, []string{"redis"}, q.Excluded)
	assert.Equal(t, []string{"timeout"}, q.Required)
	assert.Equal(t, "error", q.Level)
	assert.Equal(t, "stderr", q.Stream)
	assert.Equal(t, []string{"connection lost"}, q.Phrases)
}

func TestParseQueryRegexMode(t *testing.T) {
	q, err := ParseQuery(`/conn.*refused/`)
	require.NoError(t, err)
	require.NotNil(t, q.Regex)
	assert.True(t, q.Match(types.LogEntry{Message: "connection refused"}))
	assert.False(t, q.Match(types.LogEntry{Message: "connection accepted"}))

	_, err = ParseQuery(`/bad[/`)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestSearchKeywordLookup(t *testing.T) {
	svc := NewSearchService(seedStore(t))

	res, err := svc.Search("database", SearchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "web", res.Groups[0].Container)
	assert.Contains(t, res.Groups[0].Entries[0].Message, "database")
}

func TestSearchGroupsAndRanksByRecency(t *testing.T) {
	svc := NewSearchService(seedStore(t))

	res, err := svc.Search("level:error", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Groups, 2)

	for _, g := range res.Groups {
		for i := 1; i < len(g.Entries); i++ {
			assert.GreaterOrEqual(t, g.Entries[i-1].Timestamp, g.Entries[i].Timestamp)
		}
	}
}

func TestSearchExcludeAndContainerScope(t *testing.T) {
	svc := NewSearchService(seedStore(t))

	res, err := svc.Search("-failed", SearchOptions{Containers: []string{"web"}})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	for _, e := range res.Groups[0].Entries {
		assert.NotContains(t, e.Message, "Failed")
	}
}

func TestSearchFacets(t *testing.T) {
	svc := NewSearchService(seedStore(t))

	res, err := svc.Search("", SearchOptions{Facets: true})
	require.NoError(t, err)
	require.NotNil(t, res.Facets)

	assert.Equal(t, 3, res.Facets.Containers["web"])
	assert.Equal(t, 2, res.Facets.Containers["api"])
	assert.Equal(t, 2, res.Facets.Levels[types.LogLevelError])
	assert.Equal(t, 5, res.Facets.TimeRanges["last_hour"])
	assert.NotEmpty(t, res.Facets.ErrorPatterns)
}

func TestSearchLimit(t *testing.T) {
	store := NewStore(t.TempDir(), 100)
	now := time.Now().UnixMilli()
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Append("web", types.LogEntry{
			Timestamp:     now + int64(i),
			Level:         types.LogLevelInfo,
			Message:       fmt.Sprintf("tick %d", i),
			ContainerName: "web",
		}))
	}
	svc := NewSearchService(store)

	res, err := svc.Search("tick", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.Len(t, res.Groups[0].Entries, 5)
	assert.Equal(t, "tick 19", res.Groups[0].Entries[0].Message)
}

func TestSearchCacheServesRepeatQueries(t *testing.T) {
	store := seedStore(t)
	svc := NewSearchService(store)

	first, err := svc.Search("database", SearchOptions{})
	require.NoError(t, err)

	// New data after the first query; the cached result must be returned
	require.NoError(t, store.Append("web", types.LogEntry{
		Timestamp:     time.Now().UnixMilli(),
		Level:         types.LogLevelInfo,
		Message:       "database reconnected",
		ContainerName: "web",
	}))
	second, err := svc.Search("database", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Total, second.Total)
}

func TestIndexStats(t *testing.T) {
	svc := NewSearchService(seedStore(t))
	require.NoError(t, svc.Reindex("web"))

	stats, err := svc.IndexStats("web")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 1, stats.LevelCounts[types.LogLevelError])
	assert.Equal(t, 1, stats.PerfSamples)

	_, err = svc.IndexStats("ghost")
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestExtractErrorPattern(t *testing.T) {
	cases := map[string]string{
		"ERROR: Failed to connect to 10.0.0.5:5432 after 3 retries": "Failed to connect to N.N:N after N retries",
		`Cannot read property "name" of undefined`:                  "Cannot read property STR of undefined",
		"all good here": "",
	}
	for msg, want := range cases {
		assert.Equal(t, want, ExtractErrorPattern(msg), msg)
	}
}

func TestExtractPerfMetrics(t *testing.T) {
	metrics := ExtractPerfMetrics("handled in response time 42ms using memory 128 MB cpu 17% requests 1500", 99)
	require.Len(t, metrics, 4)

	byKind := map[string]PerfMetric{}
	for _, m := range metrics {
		byKind[m.Kind] = m
	}
	assert.Equal(t, 42.0, byKind["response_time"].Value)
	assert.Equal(t, "ms", byKind["response_time"].Unit)
	assert.Equal(t, 128.0, byKind["memory"].Value)
	assert.Equal(t, 17.0, byKind["cpu"].Value)
	assert.Equal(t, 1500.0, byKind["throughput"].Value)
	assert.Equal(t, int64(99), byKind["cpu"].Timestamp)
}

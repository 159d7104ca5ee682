package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/types"
)

func entry(msg string, ts int64) types.LogEntry {
	return types.LogEntry{
		Timestamp:     ts,
		Level:         types.LogLevelInfo,
		Stream:        types.LogStreamStdout,
		Message:       msg,
		ContainerName: "debug-host-proj_a-1",
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.append(entry(fmt.Sprintf("line-%d", i), int64(i)))
	}

	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "line-2", snap[0].Message)
	assert.Equal(t, "line-4", snap[2].Message)
}

func TestStoreTail(t *testing.T) {
	s := NewStore(t.TempDir(), 10)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append("c1", entry(fmt.Sprintf("line-%d", i), int64(i))))
	}

	last := s.Tail("c1", 2)
	require.Len(t, last, 2)
	assert.Equal(t, "line-4", last[0].Message)
	assert.Equal(t, "line-5", last[1].Message)

	assert.Len(t, s.Tail("c1", 0), 6)
	assert.Nil(t, s.Tail("unknown", 5))
}

func TestStorePersistsPerDayFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10)
	require.NoError(t, s.Append("c1", entry("hello", 1)))
	s.Close()

	day := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "c1", day+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)

	persisted, err := s.ReadPersisted("c1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "hello", persisted[0].Message)
}

func TestStoreRotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10)

	day := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return day }
	require.NoError(t, s.Append("c1", entry("before midnight", 1)))

	s.now = func() time.Time { return day.Add(2 * time.Minute) }
	require.NoError(t, s.Append("c1", entry("after midnight", 2)))
	s.Close()

	files, err := filepath.Glob(filepath.Join(dir, "c1", "*.log"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestStoreSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10)
	require.NoError(t, s.Append("c1", entry("good", 1)))
	s.Close()

	day := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, "c1", day+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	f.Close()

	persisted, err := s.ReadPersisted("c1")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

package logs

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/runtime"
	"github.com/debug-host/debug-host/pkg/types"
)

type fakeLogSource struct {
	frames *bytes.Buffer
}

func (f *fakeLogSource) Logs(ctx context.Context, id string, opts runtime.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.frames.Bytes())), nil
}

// framedLogs builds a daemon-style multiplexed stream
func framedLogs(t *testing.T, stdout, stderr []string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	outW := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errW := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for _, line := range stdout {
		_, err := outW.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	for _, line := range stderr {
		_, err := errW.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	return &buf
}

func waitForEntries(t *testing.T, store *Store, container string, n int) []types.LogEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := store.Tail(container, 0); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d entries for %s", n, container)
	return nil
}

func TestTailDemuxesAndTags(t *testing.T) {
	src := &fakeLogSource{frames: framedLogs(t,
		[]string{"Server listening on 3000", "DEBUG cache warm"},
		[]string{"ERROR: connection refused"},
	)}
	store := NewStore(t.TempDir(), 100)
	p := NewPipeline(src, store, NewBroker(), false)
	defer p.Shutdown()

	p.StartTail("c1", "debug-host-proj_a-1")

	entries := waitForEntries(t, store, "debug-host-proj_a-1", 3)

	byMsg := map[string]types.LogEntry{}
	for _, e := range entries {
		byMsg[e.Message] = e
	}
	assert.Equal(t, types.LogLevelInfo, byMsg["Server listening on 3000"].Level)
	assert.Equal(t, types.LogStreamStdout, byMsg["Server listening on 3000"].Stream)
	assert.Equal(t, types.LogLevelDebug, byMsg["DEBUG cache warm"].Level)
	assert.Equal(t, types.LogLevelError, byMsg["ERROR: connection refused"].Level)
	assert.Equal(t, types.LogStreamStderr, byMsg["ERROR: connection refused"].Stream)
}

func TestTailPublishesToBroker(t *testing.T) {
	src := &fakeLogSource{frames: framedLogs(t, []string{"hello subscriber"}, nil)}
	broker := NewBroker()
	p := NewPipeline(src, NewStore(t.TempDir(), 100), broker, false)
	defer p.Shutdown()

	sub := broker.Subscribe("debug-host-proj_a-1", Filter{})
	p.StartTail("c1", "debug-host-proj_a-1")

	select {
	case e := <-sub.C:
		assert.Equal(t, "hello subscriber", e.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no entry delivered")
	}
}

func TestInferLevel(t *testing.T) {
	p := NewPipeline(nil, nil, nil, false)

	cases := map[string]types.LogLevel{
		"ERROR: it broke":              types.LogLevelError,
		"[warn] disk nearly full":      types.LogLevelWarn,
		"2026-08-25 INFO ready":        types.LogLevelInfo,
		"debug: cache miss":            types.LogLevelDebug,
		"TRACE enter handler":          types.LogLevelTrace,
		"plain line without a keyword": types.LogLevelInfo,
		"warning before error ERROR":   types.LogLevelWarn,
	}
	for line, want := range cases {
		assert.Equal(t, want, p.inferLevel(line), line)
	}
}

func TestInferLevelJSONOptIn(t *testing.T) {
	line := `{"level":"warn","msg":"queue depth high"}`

	heuristic := NewPipeline(nil, nil, nil, false)
	assert.Equal(t, types.LogLevelInfo, heuristic.inferLevel(line))

	jsonAware := NewPipeline(nil, nil, nil, true)
	assert.Equal(t, types.LogLevelWarn, jsonAware.inferLevel(line))

	level, ok := LevelFromJSON(`{"severity":"ERROR"}`)
	require.True(t, ok)
	assert.Equal(t, types.LogLevelError, level)

	_, ok = LevelFromJSON("not json")
	assert.False(t, ok)
}

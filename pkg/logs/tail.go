package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/runtime"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

// LogSource opens the daemon's multiplexed log stream for a container
type LogSource interface {
	Logs(ctx context.Context, id string, opts runtime.LogsOptions) (io.ReadCloser, error)
}

// Pipeline ties the tail tasks to the store and broker. One tail task runs
// per active container; it ends when the daemon closes the stream and a new
// one is started when the container restarts.
type Pipeline struct {
	src       LogSource
	store     *Store
	broker    *Broker
	parseJSON bool

	mu    sync.Mutex
	tails map[string]context.CancelFunc // containerID → cancel
}

// NewPipeline creates a log pipeline over the given source
func NewPipeline(src LogSource, store *Store, broker *Broker, parseJSON bool) *Pipeline {
	return &Pipeline{
		src:       src,
		store:     store,
		broker:    broker,
		parseJSON: parseJSON,
		tails:     make(map[string]context.CancelFunc),
	}
}

// Store exposes the underlying log store
func (p *Pipeline) Store() *Store { return p.store }

// Broker exposes the underlying fan-out broker
func (p *Pipeline) Broker() *Broker { return p.broker }

// StartTail begins tailing a container. Restarting an active tail is a no-op.
func (p *Pipeline) StartTail(containerID, containerName string) {
	p.mu.Lock()
	if _, active := p.tails[containerID]; active {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.tails[containerID] = cancel
	p.mu.Unlock()

	go p.tail(ctx, containerID, containerName)
}

// StopTail ends the tail task for a container
func (p *Pipeline) StopTail(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.tails[containerID]; ok {
		cancel()
		delete(p.tails, containerID)
	}
}

// Shutdown stops every tail task and closes the store and broker
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	for id, cancel := range p.tails {
		cancel()
		delete(p.tails, id)
	}
	p.mu.Unlock()

	p.broker.Close()
	p.store.Close()
}

func (p *Pipeline) tail(ctx context.Context, containerID, containerName string) {
	logger := log.WithContainer(containerID)

	rc, err := p.src.Logs(ctx, containerID, runtime.LogsOptions{Follow: true, Tail: "0"})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open log stream")
		p.StopTail(containerID)
		return
	}
	defer rc.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.scan(containerName, types.LogStreamStdout, stdoutR)
	}()
	go func() {
		defer wg.Done()
		p.scan(containerName, types.LogStreamStderr, stderrR)
	}()

	// StdCopy returns when the daemon closes the stream (container stop or
	// removal) or when ctx cancels the underlying request.
	_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, rc)
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	if copyErr != nil && ctx.Err() == nil {
		logger.Debug().Err(copyErr).Msg("log stream closed")
	}
	p.StopTail(containerID)
}

// scan splits one demuxed stream into entries and feeds store + broker
func (p *Pipeline) scan(containerName string, stream types.LogStream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanLog := log.WithComponent("logs")

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry := types.LogEntry{
			Timestamp:     time.Now().UnixMilli(),
			Level:         p.inferLevel(line),
			Stream:        stream,
			Message:       line,
			ContainerName: containerName,
		}
		telemetry.LogLinesTotal.WithLabelValues(string(entry.Level)).Inc()
		if err := p.store.Append(containerName, entry); err != nil {
			scanLog.Warn().Err(err).Msg("failed to persist log entry")
		}
		p.broker.Publish(containerName, entry)
	}
}

// levelScanWindow bounds how far into a line the level keywords are sought
const levelScanWindow = 64

var levelKeywords = []struct {
	word  string
	level types.LogLevel
}{
	{"ERROR", types.LogLevelError},
	{"WARN", types.LogLevelWarn},
	{"INFO", types.LogLevelInfo},
	{"DEBUG", types.LogLevelDebug},
	{"TRACE", types.LogLevelTrace},
}

// inferLevel scans the head of the message for a level keyword, earliest
// match wins; unmatched lines default to info.
func (p *Pipeline) inferLevel(line string) types.LogLevel {
	if p.parseJSON {
		if level, ok := LevelFromJSON(line); ok {
			return level
		}
	}

	head := line
	if len(head) > levelScanWindow {
		head = head[:levelScanWindow]
	}
	head = strings.ToUpper(head)

	best := -1
	level := types.LogLevelInfo
	for _, kw := range levelKeywords {
		if idx := strings.Index(head, kw.word); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			level = kw.level
		}
	}
	return level
}

// LevelFromJSON extracts a level from a JSON-formatted log line
func LevelFromJSON(line string) (types.LogLevel, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var payload struct {
		Level    string `json:"level"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", false
	}
	raw := payload.Level
	if raw == "" {
		raw = payload.Severity
	}
	switch strings.ToLower(raw) {
	case "trace":
		return types.LogLevelTrace, true
	case "debug":
		return types.LogLevelDebug, true
	case "info":
		return types.LogLevelInfo, true
	case "warn", "warning":
		return types.LogLevelWarn, true
	case "error", "fatal", "panic":
		return types.LogLevelError, true
	}
	return "", false
}

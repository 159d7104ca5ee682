package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/types"
)

// NativeProcess tracks a project command running directly on the host
type NativeProcess struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Command   string     `json:"command"`
	Workspace string     `json:"workspace"`
	Port      int        `json:"port"`
	PID       int        `json:"pid"`
	Running   bool       `json:"running"`
	ExitCode  int        `json:"exitCode,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
}

type nativeEntry struct {
	rec NativeProcess
	cmd *exec.Cmd
}

// NativeRunner runs project commands as host processes when container mode
// is unavailable. A process that dies keeps its port claim; releasing it is
// an explicit caller decision, never an automatic side effect.
type NativeRunner struct {
	mu     sync.RWMutex
	procs  map[string]*nativeEntry
	logger zerolog.Logger
}

// NewNativeRunner creates an empty native process table
func NewNativeRunner() *NativeRunner {
	return &NativeRunner{
		procs:  make(map[string]*nativeEntry),
		logger: log.WithComponent("native"),
	}
}

// Start launches the spec's command in its workspace with PORT exported.
// The process gets its own process group so Stop can signal the whole tree.
func (n *NativeRunner) Start(ctx context.Context, spec CreateSpec) (string, error) {
	if spec.Command == "" {
		return "", types.NewError(types.ErrValidation, "native mode requires a command")
	}
	if _, err := os.Stat(spec.Workspace); err != nil {
		return "", types.Errorf(types.ErrValidation, "workspace %s is not accessible", spec.Workspace)
	}

	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", spec.Port))
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return "", types.WrapError(types.ErrExternal, "failed to start native process", err)
	}

	id := fmt.Sprintf("native-%s-%d", spec.ProjectID, time.Now().UnixMilli())
	entry := &nativeEntry{
		rec: NativeProcess{
			ID:        id,
			ProjectID: spec.ProjectID,
			Command:   spec.Command,
			Workspace: spec.Workspace,
			Port:      spec.Port,
			PID:       cmd.Process.Pid,
			Running:   true,
			StartedAt: time.Now(),
		},
		cmd: cmd,
	}

	n.mu.Lock()
	n.procs[id] = entry
	n.mu.Unlock()

	go n.reap(id, cmd)

	n.logger.Info().Str("process", id).Int("pid", cmd.Process.Pid).Msg("native process started")
	return id, nil
}

// reap waits for process exit and records the outcome. The port claim is
// deliberately left in place.
func (n *NativeRunner) reap(id string, cmd *exec.Cmd) {
	err := cmd.Wait()

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	now := time.Now()
	n.mu.Lock()
	if entry, ok := n.procs[id]; ok {
		entry.rec.Running = false
		entry.rec.ExitCode = exitCode
		entry.rec.StoppedAt = &now
	}
	n.mu.Unlock()

	if err != nil {
		n.logger.Warn().Str("process", id).Int("exitCode", exitCode).Msg("native process exited")
	}
}

// Stop sends SIGTERM to the process group, escalating to SIGKILL after the
// grace period. Stopping an already dead process is success.
func (n *NativeRunner) Stop(id string, grace time.Duration) error {
	n.mu.RLock()
	entry, ok := n.procs[id]
	n.mu.RUnlock()
	if !ok {
		return types.Errorf(types.ErrNotFound, "native process %s not found", id)
	}
	if !entry.rec.Running {
		return nil
	}

	pgid := -entry.rec.PID
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return types.WrapError(types.ErrExternal, "failed to signal native process", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		n.mu.RLock()
		running := entry.rec.Running
		n.mu.RUnlock()
		if !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	return nil
}

// Get returns a copy of a native process record
func (n *NativeRunner) Get(id string) (*NativeProcess, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	entry, ok := n.procs[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "native process %s not found", id)
	}
	cp := entry.rec
	return &cp, nil
}

// List returns copies of all native process records
func (n *NativeRunner) List() []*NativeProcess {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*NativeProcess, 0, len(n.procs))
	for _, entry := range n.procs {
		cp := entry.rec
		out = append(out, &cp)
	}
	return out
}

// Shutdown stops every running native process with a short grace period
func (n *NativeRunner) Shutdown() {
	for _, p := range n.List() {
		if p.Running {
			_ = n.Stop(p.ID, 5*time.Second)
		}
	}
}

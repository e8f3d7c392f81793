// Package supervisor owns the lifecycle of tunnel engine subprocesses:
// spawning with log redirection, liveness probes shortly after start,
// and orderly termination. It never restarts a child on its own; the
// reapply loop decides when a failed tunnel is retried.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// State describes where a supervised child is in its lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

const (
	// DefaultProbeWait is how long Spawn lets a child settle before the
	// first liveness check. Engines with bad configs usually exit within
	// the first second.
	DefaultProbeWait = 750 * time.Millisecond

	// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
	stopGrace = 5 * time.Second

	// logTailBytes bounds how much of a dead child's log is attached to
	// the failure error.
	logTailBytes = 1024
)

type child struct {
	id      string
	cmd     *exec.Cmd
	logPath string
	state   State
	started time.Time

	// done is closed when the wait goroutine reaps the process.
	done    chan struct{}
	waitErr error
}

// Manager supervises a set of children keyed by tunnel ID.
type Manager struct {
	mu        sync.Mutex
	children  map[string]*child
	ProbeWait time.Duration
}

func NewManager() *Manager {
	return &Manager{
		children:  make(map[string]*child),
		ProbeWait: DefaultProbeWait,
	}
}

// Spawn starts argv as a child process with stdout and stderr appended to
// logPath, waits the probe window, and verifies the child survived it.
// If a child with the same id is already running it is stopped first.
func (m *Manager) Spawn(ctx context.Context, id string, argv []string, env []string, logPath string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command for %s", id)
	}
	m.Stop(ctx, id)

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// Own process group so Stop never signals the node agent itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	c := &child{
		id:      id,
		cmd:     cmd,
		logPath: logPath,
		state:   StateStarting,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		c.waitErr = cmd.Wait()
		logFile.Close()
		close(c.done)
	}()

	m.mu.Lock()
	m.children[id] = c
	m.mu.Unlock()

	log.Printf("[supervisor] started %s pid=%d log=%s", id, cmd.Process.Pid, logPath)
	return m.probe(ctx, c)
}

// probe waits the settle window and checks whether the child is still up.
// A child that exited inside the window is marked failed and the error
// carries the tail of its log.
func (m *Manager) probe(ctx context.Context, c *child) error {
	wait := m.ProbeWait
	if wait <= 0 {
		wait = DefaultProbeWait
	}
	select {
	case <-c.done:
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.done:
		m.setState(c.id, StateFailed)
		tail := LogTail(c.logPath, logTailBytes)
		if tail != "" {
			return fmt.Errorf("engine exited during startup (%v): %s", c.waitErr, tail)
		}
		return fmt.Errorf("engine exited during startup: %v", c.waitErr)
	default:
		m.setState(c.id, StateRunning)
		return nil
	}
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.children[id]; ok {
		c.state = s
	}
}

// IsRunning reports whether the child for id is alive right now.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	c, ok := m.children[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return c.state == StateRunning || c.state == StateStarting
	}
}

// StateOf returns the recorded state for id, or StateStopped when the id
// is unknown.
func (m *Manager) StateOf(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.children[id]; ok {
		// Reconcile with reality: a reaped child is no longer running.
		select {
		case <-c.done:
			if c.state == StateRunning || c.state == StateStarting {
				c.state = StateFailed
			}
		default:
		}
		return c.state
	}
	return StateStopped
}

// Pid returns the child's pid, or 0 when nothing is running for id.
func (m *Manager) Pid(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[id]
	if !ok || c.cmd.Process == nil {
		return 0
	}
	select {
	case <-c.done:
		return 0
	default:
		return c.cmd.Process.Pid
	}
}

// Stop terminates the child for id: SIGTERM, a grace period, then SIGKILL.
// Stopping an unknown id is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) {
	m.mu.Lock()
	c, ok := m.children[id]
	if ok {
		delete(m.children, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	if c.cmd.Process != nil {
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGTERM)
	}
	select {
	case <-c.done:
	case <-time.After(stopGrace):
		log.Printf("[supervisor] %s did not exit after SIGTERM, killing", id)
		if c.cmd.Process != nil {
			_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		}
		<-c.done
	case <-ctx.Done():
		if c.cmd.Process != nil {
			_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	log.Printf("[supervisor] stopped %s", id)
}

// StopAll terminates every supervised child. Used on agent shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.children))
	for id := range m.children {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(ctx, id)
	}
}

// KillStray pattern-kills engine processes left over from a previous agent
// run. Failure only means nothing matched.
func KillStray(binary, tunnelID string) {
	pattern := fmt.Sprintf("%s.*%s", filepath.Base(binary), tunnelID)
	if err := exec.Command("pkill", "-f", pattern).Run(); err == nil {
		log.Printf("[supervisor] killed stray process matching %q", pattern)
	}
}

// LogTail returns up to maxBytes from the end of the file at path, with
// a partial leading line trimmed. Missing files yield the empty string.
func LogTail(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(data))
	if info.Size() > maxBytes {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	return s
}

package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/workspace"
)

const (
	probeInitialInterval = 500 * time.Millisecond
	probeMaxInterval     = 5 * time.Second
	probeBackoffFactor   = 1.5

	gracefulStopTimeout = 10 * time.Second
)

// Process tracks one running dev server. Exclusive to one session; its port
// returns to the allocator on termination.
type Process struct {
	SessionID string
	Port      int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{} // closed when the child exits
	err  error         // exit error, valid after done is closed
}

// Exited reports whether the child has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Manager supervises dev-server processes, one per session.
type Manager struct {
	allocator *Allocator
	routing   RoutingEnv
	logger    *logger.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

// NewManager creates a process manager over the given port allocator.
func NewManager(allocator *Allocator, routing RoutingEnv, log *logger.Logger) *Manager {
	return &Manager{
		allocator: allocator,
		routing:   routing,
		logger:    log,
		procs:     make(map[string]*Process),
	}
}

// Allocator exposes the port allocator for capacity checks.
func (m *Manager) Allocator() *Allocator {
	return m.allocator
}

// Start allocates a port and launches the dev server for a session. The
// child runs in its own process group with the workspace as cwd; stdout and
// stderr are streamed to the debug log.
func (m *Manager) Start(sessionID string, info *workspace.Info) (*Process, error) {
	m.mu.Lock()
	if _, exists := m.procs[sessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("process already running for session %s", sessionID)
	}
	m.mu.Unlock()

	port, err := m.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	argv := injectPortFlags(info.StartCommand, port)
	log := m.logger.WithSessionID(sessionID)
	log.Info("starting dev server",
		zap.Strings("argv", argv),
		zap.Int("port", port),
		zap.String("framework", string(info.Framework)))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = info.Path
	cmd.Env = buildEnv(sessionID, port, info, m.routing)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.allocator.Release(port)
		return nil, fmt.Errorf("failed to pipe dev server stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.allocator.Release(port)
		return nil, fmt.Errorf("failed to pipe dev server stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		m.allocator.Release(port)
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}

	proc := &Process{
		SessionID: sessionID,
		Port:      port,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	go streamOutput(log, "stdout", stdout)
	go streamOutput(log, "stderr", stderr)
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	m.mu.Lock()
	m.procs[sessionID] = proc
	m.mu.Unlock()

	return proc, nil
}

// WaitReady polls the dev server until it answers HTTP, the process exits,
// or the timeout elapses. Any status below 500 counts as ready; connection
// refused is an expected transient during warm-up.
func (m *Manager) WaitReady(ctx context.Context, proc *Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/", proc.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	interval := probeInitialInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.done:
			return fmt.Errorf("dev server exited before becoming ready: %v", proc.err)
		case <-time.After(interval):
		}

		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 500 {
				m.logger.WithSessionID(proc.SessionID).Info("dev server ready",
					zap.Int("port", proc.Port),
					zap.Int("status", resp.StatusCode),
					zap.Duration("took", time.Since(proc.StartedAt)))
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("dev server did not become ready within %s", timeout)
		}
		interval = time.Duration(float64(interval) * probeBackoffFactor)
		if interval > probeMaxInterval {
			interval = probeMaxInterval
		}
	}
}

// Stop terminates a session's dev server: graceful signal to the process
// group, bounded wait, then force-kill. The port is always released.
// Returns false when no process was tracked.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	proc, ok := m.procs[sessionID]
	if ok {
		delete(m.procs, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	defer m.allocator.Release(proc.Port)
	log := m.logger.WithSessionID(sessionID)

	if proc.Exited() {
		log.Debug("dev server already exited", zap.Int("port", proc.Port))
		return true
	}

	// Negative pid signals the whole process group: npm wrappers spawn the
	// real server as a child.
	pgid := -proc.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		log.WithError(err).Warn("failed to signal dev server group")
	}

	select {
	case <-proc.done:
		log.Info("dev server stopped", zap.Int("port", proc.Port))
	case <-time.After(gracefulStopTimeout):
		log.Warn("dev server did not stop gracefully, killing", zap.Int("port", proc.Port))
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-proc.done
	}
	return true
}

// StopAll terminates every tracked process in parallel. Used during
// instance shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.Stop(id)
			return nil
		})
	}
	_ = g.Wait()
}

// Get returns the tracked process for a session, if any.
func (m *Manager) Get(sessionID string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.procs[sessionID]
	return proc, ok
}

// Port returns the dev-server port for a session, or 0 when none runs.
func (m *Manager) Port(sessionID string) int {
	if proc, ok := m.Get(sessionID); ok {
		return proc.Port
	}
	return 0
}

// Count returns the number of tracked processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// streamOutput pipes one output stream of the child line-by-line into the
// debug log.
func streamOutput(log *logger.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		log.Debug("dev server output",
			zap.String("stream", stream),
			zap.String("line", scanner.Text()))
	}
}

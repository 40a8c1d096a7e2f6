// Package procman launches and watches real agent processes. It is the
// reference implementation of the external process-manager collaborator:
// it calls the supervisor's spawn/exit hooks and receives Terminate/Respawn
// callbacks through the ProcessController interface.
package procman

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/usecase/supervisor"
)

// launchSpec is the command line an agent runs as. Remembered per agent so
// restarts relaunch the same command.
type launchSpec struct {
	Command string
	Args    []string
	WorkDir string
}

// procEntry holds the runtime state of one launched process.
type procEntry struct {
	sessionID string // ULID, stable across the process lifetime
	agentID   domain.AgentID
	pid       domain.Pid
	cmd       *exec.Cmd
	output    *outputRing
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	pollIndex int64
}

// ProcInfo is a read-only view of one managed process.
type ProcInfo struct {
	SessionID string         `json:"session_id"`
	AgentID   domain.AgentID `json:"agent_id"`
	Pid       domain.Pid     `json:"pid"`
	Command   string         `json:"command"`
	StartedAt time.Time      `json:"started_at"`
}

// Manager owns the launched agent processes. It reports spawns and exits
// into the supervisor and implements the supervisor's ProcessController
// callbacks.
type Manager struct {
	mu       sync.Mutex
	procs    map[domain.Pid]*procEntry
	launches map[domain.AgentID]launchSpec

	sup       *supervisor.Supervisor
	outputMax int
	killGrace time.Duration
	logger    *slog.Logger
}

// NewManager creates a process manager. Call sup.SetProcessController with
// the returned manager to complete the wiring.
func NewManager(cfg config.ProcmanConfig, sup *supervisor.Supervisor, logger *slog.Logger) *Manager {
	outputMax := cfg.OutputMax
	if outputMax <= 0 {
		outputMax = 1024 * 1024
	}
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Manager{
		procs:     make(map[domain.Pid]*procEntry),
		launches:  make(map[domain.AgentID]launchSpec),
		sup:       sup,
		outputMax: outputMax,
		killGrace: killGrace,
		logger:    logger.With("component", "procman"),
	}
}

// Launch starts an agent process and registers it with the supervisor. The
// launch command is remembered so restart scheduling can relaunch it.
func (m *Manager) Launch(ctx context.Context, spec domain.AgentSpec, command string, args []string, workDir string) (domain.AgentID, domain.Pid, error) {
	ls := launchSpec{Command: command, Args: args, WorkDir: workDir}
	entry, err := m.start(ls)
	if err != nil {
		return 0, 0, err
	}

	id, err := m.sup.Spawn(ctx, spec, entry.pid)
	if err != nil {
		// Registration failed; the process must not outlive it.
		entry.cancel()
		<-entry.done
		m.mu.Lock()
		delete(m.procs, entry.pid)
		m.mu.Unlock()
		return 0, 0, err
	}

	m.mu.Lock()
	entry.agentID = id
	m.launches[id] = ls
	m.mu.Unlock()

	m.logger.Info("agent process launched",
		"agent_id", id, "pid", entry.pid, "session_id", entry.sessionID, "command", command)
	return id, entry.pid, nil
}

// start launches the process and begins watching it. The caller attributes
// the entry to an agent afterwards.
func (m *Manager) start(ls launchSpec) (*procEntry, error) {
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, ls.Command, ls.Args...)
	cmd.Dir = ls.WorkDir

	out := newOutputRing(m.outputMax)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("procman: start %q: %w", ls.Command, err)
	}

	entry := &procEntry{
		sessionID: newSessionID(),
		pid:       domain.Pid(cmd.Process.Pid),
		cmd:       cmd,
		output:    out,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	m.mu.Lock()
	m.procs[entry.pid] = entry
	m.mu.Unlock()

	go m.waitForExit(entry)
	return entry, nil
}

// waitForExit blocks until the process ends, then reports the exit into the
// supervisor. The supervisor decides whether a restart follows.
func (m *Manager) waitForExit(entry *procEntry) {
	err := entry.cmd.Wait()
	close(entry.done)

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	m.mu.Lock()
	delete(m.procs, entry.pid)
	m.mu.Unlock()

	m.logger.Info("agent process exited",
		"pid", entry.pid, "session_id", entry.sessionID, "exit_code", exitCode)
	m.sup.Exit(context.Background(), entry.pid, exitCode)
}

// Terminate delivers SIGTERM, escalating to SIGKILL after the grace period.
// Implements domain.ProcessController.
func (m *Manager) Terminate(pid domain.Pid) error {
	m.mu.Lock()
	entry, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("procman", "Terminate", domain.ErrNotFound, fmt.Sprintf("pid %d", pid))
	}

	if err := entry.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone or unkillable; force the context kill.
		entry.cancel()
		return nil
	}
	go func() {
		select {
		case <-entry.done:
		case <-time.After(m.killGrace):
			m.logger.Warn("kill grace expired, sending SIGKILL",
				"pid", entry.pid, "session_id", entry.sessionID)
			entry.cancel()
		}
	}()
	return nil
}

// Respawn relaunches the remembered command line for the agent and returns
// the fresh pid. Implements domain.ProcessController; called by the
// supervisor's restart scheduling.
func (m *Manager) Respawn(spec domain.AgentSpec) (domain.Pid, error) {
	m.mu.Lock()
	ls, ok := m.launches[spec.AgentID]
	m.mu.Unlock()
	if !ok {
		return 0, domain.NewSubSystemError("procman", "Respawn", domain.ErrNotFound, fmt.Sprintf("agent %d has no launch record", spec.AgentID))
	}

	entry, err := m.start(ls)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	entry.agentID = spec.AgentID
	m.mu.Unlock()

	m.logger.Info("agent process respawned", "agent_id", spec.AgentID, "pid", entry.pid)
	return entry.pid, nil
}

// Poll returns process output accumulated since the previous Poll call.
func (m *Manager) Poll(pid domain.Pid) (string, error) {
	m.mu.Lock()
	entry, ok := m.procs[pid]
	if !ok {
		m.mu.Unlock()
		return "", domain.NewSubSystemError("procman", "Poll", domain.ErrNotFound, fmt.Sprintf("pid %d", pid))
	}
	prev := entry.pollIndex
	m.mu.Unlock()

	out := entry.output.ReadFrom(prev)
	next := entry.output.TotalWritten()

	m.mu.Lock()
	if entry.pollIndex < next {
		entry.pollIndex = next
	}
	m.mu.Unlock()
	return out, nil
}

// Output returns the full buffered output of a process.
func (m *Manager) Output(pid domain.Pid) (string, error) {
	m.mu.Lock()
	entry, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return "", domain.NewSubSystemError("procman", "Output", domain.ErrNotFound, fmt.Sprintf("pid %d", pid))
	}
	return entry.output.String(), nil
}

// List returns the currently running processes.
func (m *Manager) List() []ProcInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ProcInfo, 0, len(m.procs))
	for _, e := range m.procs {
		infos = append(infos, ProcInfo{
			SessionID: e.sessionID,
			AgentID:   e.agentID,
			Pid:       e.pid,
			Command:   e.cmd.Path,
			StartedAt: e.startedAt,
		})
	}
	return infos
}

// Stop kills every running process and waits for the watchers to finish.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	running := make([]*procEntry, 0, len(m.procs))
	for _, e := range m.procs {
		running = append(running, e)
	}
	m.mu.Unlock()

	for _, e := range running {
		e.cancel()
	}
	for _, e := range running {
		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}
	}
}

func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

var _ domain.ProcessController = (*Manager)(nil)

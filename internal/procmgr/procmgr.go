// Package procmgr spawns and supervises the processor child processes
// that consume work items from a compute's shared-memory queues
// (spec.md §4.4). Each processor is a distinct OS process, not a
// goroutine, so a crash in user analysis code cannot take down the
// compute's fabric connections.
package procmgr

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
)

// status mirrors original_source/ChildProcessManager.hpp's ProcessStatus:
// whether an exit was requested (Terminating) changes how it's logged.
type status int

const (
	statusRunning status = iota
	statusTerminating
)

type child struct {
	cmd    *exec.Cmd
	status status
}

// Manager supervises a fixed set of processor child processes for one
// compute. It is an explicit, non-singleton object passed in by the
// caller — design note #9 recasts the original's package-global
// ChildProcessManager::get() singleton as an ordinary constructed value,
// since Go has no equivalent need for a process-wide registry and a
// singleton here would only make tests harder to isolate.
type Manager struct {
	log *logging.Logger

	mu       sync.Mutex
	children []*child
	exited   chan exitEvent
}

type exitEvent struct {
	index int
	err   error
}

// New creates an empty Manager. Spawn is called once per processor
// instance.
func New() *Manager {
	return &Manager{
		log:    logging.Default(),
		exited: make(chan exitEvent, 16),
	}
}

// Spawn starts one processor process running path with args, returning
// its index for use with Stop. The command's Wait is reaped on its own
// goroutine the moment the process exits — Go's os/exec already performs
// the equivalent of the original's SIGCHLD handler internally.
func (m *Manager) Spawn(path string, args ...string) (int, error) {
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return -1, tsbuild.Wrap("procmgr.spawn", tsbuild.CodeProcessorDied, err)
	}

	m.mu.Lock()
	idx := len(m.children)
	c := &child{cmd: cmd, status: statusRunning}
	m.children = append(m.children, c)
	m.mu.Unlock()

	go m.reap(idx, c)

	m.log.Infof("processor %d started: pid=%d", idx, cmd.Process.Pid)
	return idx, nil
}

func (m *Manager) reap(idx int, c *child) {
	err := c.cmd.Wait()

	m.mu.Lock()
	wasTerminating := c.status == statusTerminating
	m.mu.Unlock()

	if wasTerminating {
		m.log.Infof("processor %d exited after stop request", idx)
	} else {
		m.log.Errorf("processor %d died unexpectedly: %v", idx, err)
	}
	m.exited <- exitEvent{index: idx, err: err}
}

// WaitAllExited blocks until every spawned processor has been reaped or
// timeout elapses, whichever comes first. It is meant to run after the
// caller has already unblocked each processor (a shutdown sentinel sent
// into its work queue) and before falling back to StopAll's SIGTERM, so
// a processor that notices the sentinel and exits on its own is not
// also signaled.
func (m *Manager) WaitAllExited(timeout time.Duration) {
	m.mu.Lock()
	n := len(m.children)
	m.mu.Unlock()
	if n == 0 {
		return
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	remaining := n
	for remaining > 0 {
		select {
		case <-m.exited:
			remaining--
		case <-deadline.C:
			return
		}
	}
}

// Stop requests graceful termination of processor idx (SIGTERM, mirroring
// stop_process).
func (m *Manager) Stop(idx int) error {
	m.mu.Lock()
	if idx < 0 || idx >= len(m.children) {
		m.mu.Unlock()
		return tsbuild.New("procmgr.stop", tsbuild.CodeInvariant, "unknown processor index")
	}
	c := m.children[idx]
	c.status = statusTerminating
	m.mu.Unlock()

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return tsbuild.Wrap("procmgr.stop", tsbuild.CodeProcessorDied, err)
	}
	return nil
}

// StopAll requests termination of every spawned processor (stop_all_processes).
func (m *Manager) StopAll() {
	m.mu.Lock()
	n := len(m.children)
	m.mu.Unlock()
	for i := 0; i < n; i++ {
		_ = m.Stop(i)
	}
}

// Wait blocks until ctx is canceled or an unexpected exit is observed,
// returning the first unexpected exit encountered (nil on clean
// cancellation). The caller is expected to treat a non-nil return as
// fatal for the owning compute (spec.md §7 CodeProcessorDied).
func (m *Manager) Wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.exited:
			m.mu.Lock()
			terminating := m.children[ev.index].status == statusTerminating
			m.mu.Unlock()
			if !terminating {
				return tsbuild.Wrap("procmgr.wait", tsbuild.CodeProcessorDied, ev.err)
			}
		}
	}
}

// Package process tracks live engine subprocesses. The manager owns the
// hard kill path (SIGTERM, then SIGKILL after the configured gap) and the
// GC loop that reaps corpses and force-kills entries past their max age;
// soft interrupts stay with the protocol handler that owns the child's
// stdin.
package process

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
)

// Common errors
var (
	ErrSessionLimitReached = errors.New("session_limit_reached")
	ErrProcessNotFound     = errors.New("process not found")
	ErrAlreadyRegistered   = errors.New("execution already registered")
)

// killExitWait bounds how long ForceKill waits for the child to disappear
// after SIGKILL.
const killExitWait = 5 * time.Second

// Child is the subprocess surface the manager needs. *executor.SpawnedProcess
// satisfies it.
type Child interface {
	Pid() int
	Running() bool
	ExitCode() int
	Exited() <-chan struct{}
	Terminate() error
	Kill() error
}

// State tracks where an entry is in its lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
)

// Entry is one managed subprocess. Values returned from the manager are
// snapshots; the live entry keeps changing underneath.
type Entry[P Child] struct {
	ID        string
	Proc      P
	Meta      map[string]string
	Group     string
	StartedAt time.Time

	state    State
	exitCode int
}

// State returns the lifecycle state captured in this snapshot.
func (e Entry[P]) State() State { return e.state }

// ExitCode returns the exit code captured in this snapshot (-1 while the
// child is alive).
func (e Entry[P]) ExitCode() int { return e.exitCode }

// RegisterOpts control registration.
type RegisterOpts struct {
	Group          string
	StartAsRunning bool
}

// ExitFunc receives the entry snapshot and exit code when a child exits.
type ExitFunc[P Child] func(entry Entry[P], exitCode int)

// Manager is a registry of running subprocesses keyed by execution id.
type Manager[P Child] struct {
	cfg    *config.ProcessConfig
	logger *logger.Logger

	mu        sync.RWMutex
	entries   map[string]*Entry[P]
	callbacks []ExitFunc[P]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager[P Child](cfg *config.ProcessConfig, log *logger.Logger) *Manager[P] {
	return &Manager[P]{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "process-manager")),
		entries: make(map[string]*Entry[P]),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the GC loop. Safe to skip in tests that drive gc passes
// directly.
func (m *Manager[P]) Start() {
	interval := m.cfg.GCIntervalDuration()
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.gcPass()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the GC loop and exit watchers. Children keep running;
// callers that want them dead use ForceKill first.
func (m *Manager[P]) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Register adds a subprocess under the given execution id, enforcing the
// per-group concurrency cap.
func (m *Manager[P]) Register(id string, proc P, meta map[string]string, opts RegisterOpts) (Entry[P], error) {
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return Entry[P]{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	if opts.Group != "" && m.cfg.MaxConcurrent > 0 {
		active := 0
		for _, e := range m.entries {
			if e.Group == opts.Group && e.state != StateExited {
				active++
			}
		}
		if active >= m.cfg.MaxConcurrent {
			m.mu.Unlock()
			return Entry[P]{}, fmt.Errorf("%w: group %s at %d", ErrSessionLimitReached, opts.Group, active)
		}
	}

	state := StateStarting
	if opts.StartAsRunning {
		state = StateRunning
	}
	entry := &Entry[P]{
		ID:        id,
		Proc:      proc,
		Meta:      meta,
		Group:     opts.Group,
		StartedAt: time.Now(),
		state:     state,
		exitCode:  -1,
	}
	m.entries[id] = entry
	snapshot := *entry
	m.mu.Unlock()

	m.logger.Debug("registered process",
		zap.String("id", id),
		zap.String("group", opts.Group),
		zap.Int("pid", proc.Pid()))

	m.wg.Add(1)
	go m.watch(entry)
	return snapshot, nil
}

// watch waits for the child to exit, records the code, and fires callbacks.
func (m *Manager[P]) watch(entry *Entry[P]) {
	defer m.wg.Done()

	select {
	case <-entry.Proc.Exited():
	case <-m.stopCh:
		return
	}

	code := entry.Proc.ExitCode()
	m.mu.Lock()
	entry.state = StateExited
	entry.exitCode = code
	snapshot := *entry
	callbacks := append([]ExitFunc[P](nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.Debug("process exited",
		zap.String("id", entry.ID),
		zap.Int("exit_code", code))

	for _, cb := range callbacks {
		cb(snapshot, code)
	}
}

// OnExit registers a callback invoked whenever a managed child exits.
func (m *Manager[P]) OnExit(fn ExitFunc[P]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Get returns a snapshot of the entry for id.
func (m *Manager[P]) Get(id string) (Entry[P], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry[P]{}, false
	}
	return *e, true
}

func (m *Manager[P]) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// GetActive returns snapshots of all entries that have not exited.
func (m *Manager[P]) GetActive() []Entry[P] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry[P]
	for _, e := range m.entries {
		if e.state != StateExited {
			out = append(out, *e)
		}
	}
	return out
}

// GetActiveInGroup returns snapshots of live entries in the given group.
func (m *Manager[P]) GetActiveInGroup(group string) []Entry[P] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry[P]
	for _, e := range m.entries {
		if e.Group == group && e.state != StateExited {
			out = append(out, *e)
		}
	}
	return out
}

// Remove drops the entry from the registry. The child is not signalled.
func (m *Manager[P]) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// ForceKill sends SIGTERM, waits the configured kill timeout, then SIGKILL.
// Returns once the child is gone.
func (m *Manager[P]) ForceKill(id string) error {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}

	select {
	case <-entry.Proc.Exited():
		return nil
	default:
	}

	m.logger.Info("force killing process",
		zap.String("id", id),
		zap.Int("pid", entry.Proc.Pid()))

	if err := entry.Proc.Terminate(); err != nil {
		m.logger.Debug("terminate failed", zap.String("id", id), zap.Error(err))
	}

	select {
	case <-entry.Proc.Exited():
		return nil
	case <-time.After(m.cfg.KillTimeoutDuration()):
	}

	if err := entry.Proc.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	select {
	case <-entry.Proc.Exited():
		return nil
	case <-time.After(killExitWait):
		return fmt.Errorf("process %s did not exit after SIGKILL", id)
	}
}

// gcPass removes exited entries and force-kills entries older than the
// configured max age.
func (m *Manager[P]) gcPass() {
	maxAge := m.cfg.MaxAgeDuration()
	now := time.Now()

	m.mu.Lock()
	var corpses []string
	var overage []string
	for id, e := range m.entries {
		if e.state == StateExited {
			corpses = append(corpses, id)
			continue
		}
		if maxAge > 0 && now.Sub(e.StartedAt) > maxAge {
			overage = append(overage, id)
		}
	}
	for _, id := range corpses {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	for _, id := range corpses {
		m.logger.Debug("gc removed exited process", zap.String("id", id))
	}
	for _, id := range overage {
		m.logger.Warn("gc force killing process past max age", zap.String("id", id))
		if err := m.ForceKill(id); err != nil && !errors.Is(err, ErrProcessNotFound) {
			m.logger.Warn("gc kill failed", zap.String("id", id), zap.Error(err))
		}
	}
}

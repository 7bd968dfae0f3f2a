package executor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

var (
	// ErrSessionMissing signals a follow-up spawn without a usable external
	// session id. Callers fall back to a fresh spawn.
	ErrSessionMissing = errors.New("external session id missing")

	// ErrEngineNotFound is returned by the registry for unknown engine types.
	ErrEngineNotFound = errors.New("engine not registered")
)

// SpawnOptions carries everything an executor needs to start or resume an
// engine child for one execution.
type SpawnOptions struct {
	ExecutionID string
	IssueID     string
	Prompt      string
	WorkingDir  string

	Model          string
	PermissionMode models.PermissionMode

	// ExternalSessionID resumes the engine's own session. Required for
	// SpawnFollowUp, ignored by Spawn.
	ExternalSessionID string

	// Env entries are merged over the process environment before
	// sanitization.
	Env map[string]string

	FilterRules []models.WriteFilterRule
}

// Normalizer converts one raw protocol line into zero or more normalized
// log entries. Implementations keep per-execution state (streaming
// assistant chunks, suppressed tool ids) and are not safe for concurrent
// use.
type Normalizer interface {
	Parse(rawLine string) []models.NormalizedEntry
}

// ProtocolHandler is the live protocol connection of a spawned child.
type ProtocolHandler interface {
	// SendUserMessage delivers a user turn to the running session.
	SendUserMessage(text string) error
	// Interrupt asks the engine to stop the current turn. Best effort.
	Interrupt() error
	// Close releases the protocol connection and the child's stdin.
	Close() error
}

// Executor adapts one engine to the uniform spawn, cancel, and
// availability contract.
type Executor interface {
	Spawn(ctx context.Context, opts SpawnOptions) (*SpawnedProcess, error)
	// SpawnFollowUp resumes opts.ExternalSessionID with a new prompt.
	// Returns ErrSessionMissing when the engine cannot resume.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnedProcess, error)
	// Cancel interrupts the child and escalates to a kill when it does not
	// exit within the configured grace.
	Cancel(ctx context.Context, sp *SpawnedProcess) error
	Availability(ctx context.Context) models.EngineAvailability
	Models(ctx context.Context) ([]models.Model, error)
	// NewNormalizer builds a fresh per-execution normalizer with the given
	// write filter rules applied.
	NewNormalizer(rules []models.WriteFilterRule) Normalizer
}

// SpawnedProcess is a live engine child wired to its protocol handler.
// Stdout carries raw protocol lines with intercepted control traffic
// already removed; it is closed once the child's stdout is drained.
type SpawnedProcess struct {
	ExecutionID string
	IssueID     string
	EngineType  models.EngineType
	Cmd         *exec.Cmd
	Handler     ProtocolHandler
	Stdout      <-chan []byte
	Stderr      *StderrTail
	StartedAt   time.Time

	mu                sync.Mutex
	externalSessionID string
	slashCommands     []string
	exitCode          int

	exited chan struct{}
}

// NewSpawnedProcess wraps a started child. readerDone must be the protocol
// client's drain signal: the exit status is collected only after the last
// stdout line has been consumed, so Wait never closes the pipe under the
// reader.
func NewSpawnedProcess(executionID, issueID string, engine models.EngineType, cmd *exec.Cmd, handler ProtocolHandler, stdout <-chan []byte, stderr *StderrTail, readerDone <-chan struct{}) *SpawnedProcess {
	sp := &SpawnedProcess{
		ExecutionID: executionID,
		IssueID:     issueID,
		EngineType:  engine,
		Cmd:         cmd,
		Handler:     handler,
		Stdout:      stdout,
		Stderr:      stderr,
		StartedAt:   time.Now(),
		exitCode:    -1,
		exited:      make(chan struct{}),
	}
	go sp.watch(readerDone)
	return sp
}

func (sp *SpawnedProcess) watch(readerDone <-chan struct{}) {
	if readerDone != nil {
		<-readerDone
	}
	err := sp.Cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	sp.mu.Lock()
	sp.exitCode = code
	sp.mu.Unlock()
	close(sp.exited)
}

func (sp *SpawnedProcess) Pid() int {
	if sp.Cmd.Process == nil {
		return 0
	}
	return sp.Cmd.Process.Pid
}

// Exited is closed once the child has exited and its stdout is drained.
func (sp *SpawnedProcess) Exited() <-chan struct{} {
	return sp.exited
}

// ExitCode returns the child's exit code, or -1 while it is still running
// or when it died without one.
func (sp *SpawnedProcess) ExitCode() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.exitCode
}

func (sp *SpawnedProcess) Running() bool {
	select {
	case <-sp.exited:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the child's process group.
func (sp *SpawnedProcess) Terminate() error {
	return sp.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group.
func (sp *SpawnedProcess) Kill() error {
	return sp.signal(syscall.SIGKILL)
}

func (sp *SpawnedProcess) signal(sig syscall.Signal) error {
	if sp.Cmd.Process == nil {
		return errors.New("process not started")
	}
	pid := sp.Cmd.Process.Pid
	// Negative pid targets the process group created at spawn.
	if err := syscall.Kill(-pid, sig); err != nil {
		return sp.Cmd.Process.Signal(sig)
	}
	return nil
}

// SetExternalSessionID records the engine's own session id once the init
// handshake reveals it.
func (sp *SpawnedProcess) SetExternalSessionID(id string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if id != "" {
		sp.externalSessionID = id
	}
}

func (sp *SpawnedProcess) ExternalSessionID() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.externalSessionID
}

// SetSlashCommands records the engine-advertised slash commands from the
// init frame.
func (sp *SpawnedProcess) SetSlashCommands(cmds []string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.slashCommands = append([]string(nil), cmds...)
}

func (sp *SpawnedProcess) SlashCommands() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([]string(nil), sp.slashCommands...)
}

// AwaitExit blocks until the child exits or the context is done.
func (sp *SpawnedProcess) AwaitExit(ctx context.Context) error {
	select {
	case <-sp.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

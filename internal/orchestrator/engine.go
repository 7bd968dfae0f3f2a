// Package orchestrator owns issue executions end to end. It serializes
// operations per issue, spawns engine children through the executor
// registry, feeds their normalized output into the ring buffer,
// persistence, and the event bus, and settles the issue's session status
// when the child exits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/events"
	"github.com/issuedeck/issuedeck/internal/events/bus"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/issue/repository"
	"github.com/issuedeck/issuedeck/internal/logring"
	"github.com/issuedeck/issuedeck/internal/process"
)

var (
	// ErrIssueBusy means a turn is in flight and the follow-up did not pick
	// a busy action.
	ErrIssueBusy = errors.New("issue busy")

	// ErrNotRestartable means restart was requested while the issue is not
	// in a failed or cancelled state.
	ErrNotRestartable = errors.New("issue not restartable")
)

// processGroup is the manager group engine children are registered under;
// the per-group cap bounds concurrent engine sessions server-wide.
const processGroup = "engine"

// sweepReason is recorded as lastError on sessions orphaned by a previous
// server process.
const sweepReason = "server_restart"

// Activity kinds published on the issue activity subject.
const (
	ActivitySpawned            = "spawned"
	ActivityFollowUpQueued     = "follow_up_queued"
	ActivityFollowUpDispatched = "follow_up_dispatched"
	ActivityCancelRequested    = "cancel_requested"
	ActivityRestarted          = "restarted"
)

// Engine drives issue executions. One Engine serves the whole server.
type Engine struct {
	cfg      *config.Config
	logger   *logger.Logger
	repo     repository.Repository
	registry *executor.Registry
	pm       *process.Manager[*executor.SpawnedProcess]
	eventBus bus.EventBus

	filterRules []models.WriteFilterRule

	// opLocks serializes mutating operations per issue. A lock is held for
	// the whole execution it admits, so operations arriving during a turn
	// run in order once that turn settles.
	opLocks sync.Map // issueID -> *sync.Mutex

	mu         sync.RWMutex
	executions map[string]*execution      // issueID -> in-flight execution
	rings      map[string]*logring.Buffer // issueID -> live log tail

	// devModes remembers the visibility each issue's last log read asked
	// for; published log events are filtered against it.
	devModes sync.Map // issueID -> bool
}

// NewEngine wires the orchestration core. The caller keeps ownership of the
// process manager and event bus lifecycles.
func NewEngine(
	cfg *config.Config,
	log *logger.Logger,
	repo repository.Repository,
	registry *executor.Registry,
	pm *process.Manager[*executor.SpawnedProcess],
	eventBus bus.EventBus,
	filterRules []models.WriteFilterRule,
) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		repo:        repo,
		registry:    registry,
		pm:          pm,
		eventBus:    eventBus,
		filterRules: filterRules,
		executions:  make(map[string]*execution),
		rings:       make(map[string]*logring.Buffer),
	}
}

// Start sweeps sessions orphaned by a previous server process and launches
// the process GC loop. Rows still marked active at boot can only be
// leftovers: engine children do not survive the server.
func (e *Engine) Start(ctx context.Context) error {
	swept, err := e.repo.SweepActiveSessions(ctx, sweepReason)
	if err != nil {
		return fmt.Errorf("failed to sweep orphaned sessions: %w", err)
	}
	if swept > 0 {
		e.logger.Info("swept orphaned sessions", zap.Int64("count", swept))
	}
	e.pm.Start()
	return nil
}

// Stop cancels every in-flight execution and stops the process manager.
func (e *Engine) Stop(ctx context.Context) {
	e.CancelAll(ctx)
	e.pm.Stop()
}

// CancelAll fans a hard cancel out to all active executions and waits for
// each to settle.
func (e *Engine) CancelAll(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.executions))
	for id := range e.executions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, issueID := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := e.CancelIssue(ctx, id); err != nil {
				e.logger.Warn("cancel failed during shutdown",
					zap.String("issue_id", id),
					zap.Error(err))
			}
		}(issueID)
	}
	wg.Wait()
}

// lockFor returns the issue's operation lock, creating it on first use.
func (e *Engine) lockFor(issueID string) *sync.Mutex {
	val, _ := e.opLocks.LoadOrStore(issueID, &sync.Mutex{})
	return val.(*sync.Mutex)
}

func (e *Engine) activeExecution(issueID string) *execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.executions[issueID]
}

// ringFor returns the issue's log ring, creating it on first use. Rings
// span executions so entries that missed persistence stay served until
// they age out.
func (e *Engine) ringFor(issueID string) *logring.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	ring := e.rings[issueID]
	if ring == nil {
		ring = logring.New(logring.DefaultCapacity)
		e.rings[issueID] = ring
	}
	return ring
}

func (e *Engine) devModeFor(issueID string) bool {
	if v, ok := e.devModes.Load(issueID); ok {
		return v.(bool)
	}
	return false
}

// HasActiveProcessForIssue reports whether an engine child is currently
// attached to the issue.
func (e *Engine) HasActiveProcessForIssue(issueID string) bool {
	return e.activeExecution(issueID) != nil
}

// IsTurnInFlight reports whether the issue's current turn is still
// producing output. It turns false at the result frame, before the child
// has finished draining.
func (e *Engine) IsTurnInFlight(issueID string) bool {
	exec := e.activeExecution(issueID)
	return exec != nil && !exec.turnCompleted.Load()
}

// GetSlashCommands returns the commands advertised by the issue's live
// engine session, or nil when no child is attached.
func (e *Engine) GetSlashCommands(issueID string) []string {
	exec := e.activeExecution(issueID)
	if exec == nil {
		return nil
	}
	return exec.sp.SlashCommands()
}

// SetLastError records an error produced outside the execution pipeline,
// like workspace preparation failures, so clients see it on the issue.
func (e *Engine) SetLastError(ctx context.Context, issueID, message string) error {
	issue, err := e.repo.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	issue.LastError = message
	if err := e.repo.UpdateIssue(ctx, issue); err != nil {
		return err
	}
	e.publish(ctx, events.BuildIssueUpdatedSubject(issueID), events.IssueUpdated, map[string]interface{}{
		"issue_id":   issueID,
		"last_error": message,
	})
	return nil
}

// SubscribeLogs delivers the issue's log events to handler until the
// subscription is unsubscribed.
func (e *Engine) SubscribeLogs(issueID string, handler bus.EventHandler) (bus.Subscription, error) {
	return e.eventBus.Subscribe(events.BuildIssueLogSubject(issueID), handler)
}

// SubscribeState delivers the issue's session status transitions.
func (e *Engine) SubscribeState(issueID string, handler bus.EventHandler) (bus.Subscription, error) {
	return e.eventBus.Subscribe(events.BuildIssueStateSubject(issueID), handler)
}

// SubscribeSettled delivers the terminal event of each execution.
func (e *Engine) SubscribeSettled(issueID string, handler bus.EventHandler) (bus.Subscription, error) {
	return e.eventBus.Subscribe(events.BuildIssueSettledSubject(issueID), handler)
}

func (e *Engine) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	if err := e.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// publishEntry delivers one log entry to subscribers, honoring the issue's
// current visibility mode.
func (e *Engine) publishEntry(ctx context.Context, issueID, executionID string, entry *models.NormalizedEntry) {
	if !repository.IsVisibleForMode(entry, e.devModeFor(issueID)) {
		return
	}
	e.publish(ctx, events.BuildIssueLogSubject(issueID), events.IssueLog, map[string]interface{}{
		"issue_id":     issueID,
		"execution_id": executionID,
		"entry":        entry,
	})
}

func (e *Engine) publishState(ctx context.Context, issueID, executionID string, status models.SessionStatus, lastError string) {
	data := map[string]interface{}{
		"issue_id":     issueID,
		"execution_id": executionID,
		"status":       string(status),
	}
	if lastError != "" {
		data["last_error"] = lastError
	}
	e.publish(ctx, events.BuildIssueStateSubject(issueID), events.IssueStateChanged, data)
}

func (e *Engine) publishActivity(ctx context.Context, issueID, executionID, kind, detail string) {
	data := map[string]interface{}{
		"issue_id": issueID,
		"kind":     kind,
	}
	if executionID != "" {
		data["execution_id"] = executionID
	}
	if detail != "" {
		data["detail"] = detail
	}
	e.publish(ctx, events.BuildIssueActivitySubject(issueID), events.IssueActivity, data)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/logring"
	"github.com/issuedeck/issuedeck/internal/process"
)

// ExecuteRequest carries the parameters of a fresh issue execution.
// Non-zero fields are written back to the issue before the turn starts.
type ExecuteRequest struct {
	EngineType     models.EngineType
	Prompt         string
	WorkingDir     string
	Model          string
	PermissionMode models.PermissionMode
}

// BusyAction selects what a follow-up does when a turn is already in
// flight.
type BusyAction string

const (
	// BusyQueue stores the message durably; the next turn folds it into
	// its prompt.
	BusyQueue BusyAction = "queue"
	// BusyCancel stops the current turn and dispatches once it settles.
	BusyCancel BusyAction = "cancel"
)

// FollowUpRequest carries one follow-up message and its dispatch options.
type FollowUpRequest struct {
	Message        string
	Model          string
	PermissionMode models.PermissionMode
	OnBusy         BusyAction
}

// FollowUpResult reports how a follow-up was handled.
type FollowUpResult struct {
	// Queued is true when the message went to the pending queue instead
	// of dispatching immediately.
	Queued bool `json:"queued"`
	// ExecutionID identifies the turn the message dispatched into. Empty
	// when queued.
	ExecutionID string `json:"execution_id,omitempty"`
}

// execution is the in-memory state of one engine turn. The reader
// goroutine owns every non-atomic field after startTurn hands over.
type execution struct {
	id        string
	issueID   string
	engine    models.EngineType
	turnIndex int

	sp   *executor.SpawnedProcess
	norm executor.Normalizer
	ring *logring.Buffer

	// pendingIDs are the queue rows folded into this turn's prompt. They
	// are marked dispatched only once the child has exited, so a crash
	// mid-turn redelivers them.
	pendingIDs []string

	// userMessageID threads agent output back to this turn's user message.
	userMessageID string

	entryIndex   int
	sessionSaved bool

	cancelRequested atomic.Bool
	turnCompleted   atomic.Bool

	sawError         bool
	lastErrorContent string

	changes changeLog

	// finalStatus is valid once done is closed.
	finalStatus models.SessionStatus
	done        chan struct{}
}

// ExecuteIssue starts a new turn for the issue. It blocks while another
// operation holds the issue, returns once the child is spawned, and leaves
// the reader goroutine to carry the execution to its terminal state. The
// returned id identifies this execution in events.
func (e *Engine) ExecuteIssue(ctx context.Context, issueID string, req ExecuteRequest) (string, error) {
	lock := e.lockFor(issueID)
	lock.Lock()

	issue, err := e.repo.GetIssue(ctx, issueID)
	if err != nil {
		lock.Unlock()
		return "", err
	}

	if req.EngineType != "" {
		issue.EngineType = req.EngineType
	}
	if req.Prompt != "" {
		issue.Prompt = req.Prompt
	}
	if req.WorkingDir != "" {
		issue.WorkingDir = req.WorkingDir
	}
	if req.Model != "" {
		issue.Model = req.Model
	}
	if req.PermissionMode != "" {
		issue.PermissionMode = req.PermissionMode
	}
	if err := e.repo.UpdateIssue(ctx, issue); err != nil {
		lock.Unlock()
		return "", err
	}

	executionID, err := e.startTurn(ctx, lock, issue, issue.Prompt)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	return executionID, nil
}

// FollowUpIssue dispatches another user turn on an existing issue. When a
// turn is in flight, OnBusy picks between queueing and cancel-then-send;
// without a busy action the caller gets ErrIssueBusy.
func (e *Engine) FollowUpIssue(ctx context.Context, issueID string, req FollowUpRequest) (*FollowUpResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("follow-up message is empty")
	}

	if exec := e.activeExecution(issueID); exec != nil {
		switch req.OnBusy {
		case BusyQueue:
			return e.queueFollowUp(ctx, issueID, exec, req.Message)
		case BusyCancel:
			if _, err := e.CancelIssue(ctx, issueID); err != nil {
				return nil, fmt.Errorf("failed to cancel current turn: %w", err)
			}
		default:
			return nil, ErrIssueBusy
		}
	}

	lock := e.lockFor(issueID)
	lock.Lock()

	issue, err := e.repo.GetIssue(ctx, issueID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if req.Model != "" || req.PermissionMode != "" {
		if req.Model != "" {
			issue.Model = req.Model
		}
		if req.PermissionMode != "" {
			issue.PermissionMode = req.PermissionMode
		}
		if err := e.repo.UpdateIssue(ctx, issue); err != nil {
			lock.Unlock()
			return nil, err
		}
	}

	executionID, err := e.startTurn(ctx, lock, issue, req.Message)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	e.publishActivity(ctx, issueID, executionID, ActivityFollowUpDispatched, "")
	return &FollowUpResult{ExecutionID: executionID}, nil
}

// queueFollowUp stores the message and echoes it to subscribers. The echo
// carries no messageId; the turn that collects the queue persists the real
// row.
func (e *Engine) queueFollowUp(ctx context.Context, issueID string, exec *execution, message string) (*FollowUpResult, error) {
	msg, err := e.repo.EnqueuePending(ctx, issueID, message)
	if err != nil {
		return nil, fmt.Errorf("failed to queue follow-up: %w", err)
	}

	entry := &models.NormalizedEntry{
		EntryType: models.EntryUserMessage,
		Content:   message,
		TurnIndex: exec.turnIndex + 1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata: map[string]interface{}{
			models.MetaType: "pending",
		},
	}
	e.publishEntry(ctx, issueID, exec.id, entry)
	e.publishActivity(ctx, issueID, exec.id, ActivityFollowUpQueued, msg.ID)

	e.logger.Info("follow-up queued",
		zap.String("issue_id", issueID),
		zap.String("pending_id", msg.ID))
	return &FollowUpResult{Queued: true}, nil
}

// CancelIssue stops the in-flight turn and waits for it to settle. With no
// active execution it reports the issue's current status, so repeated
// cancels are safe.
func (e *Engine) CancelIssue(ctx context.Context, issueID string) (models.SessionStatus, error) {
	exec := e.activeExecution(issueID)
	if exec == nil {
		issue, err := e.repo.GetIssue(ctx, issueID)
		if err != nil {
			return "", err
		}
		return issue.SessionStatus, nil
	}

	exec.cancelRequested.Store(true)
	e.publishActivity(ctx, issueID, exec.id, ActivityCancelRequested, "")

	ex, err := e.registry.Get(exec.engine)
	if err != nil {
		// Engine gone from the registry; only the hard path is left.
		_ = exec.sp.Kill()
	} else if err := ex.Cancel(ctx, exec.sp); err != nil {
		e.logger.Warn("cancel escalation failed",
			zap.String("issue_id", issueID),
			zap.Error(err))
		_ = exec.sp.Kill()
	}

	select {
	case <-exec.done:
		return exec.finalStatus, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RestartIssue re-runs a failed or cancelled issue from its stored prompt.
// The engine-side session is abandoned and queued messages are discarded:
// restart is an explicit do-over, not a resume.
func (e *Engine) RestartIssue(ctx context.Context, issueID string) (string, error) {
	lock := e.lockFor(issueID)
	lock.Lock()

	issue, err := e.repo.GetIssue(ctx, issueID)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	if issue.SessionStatus != models.SessionFailed && issue.SessionStatus != models.SessionCancelled {
		lock.Unlock()
		return "", fmt.Errorf("%w: session status is %q", ErrNotRestartable, issue.SessionStatus)
	}

	pending, err := e.repo.ListPending(ctx, issueID)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		if err := e.repo.MarkDispatched(ctx, ids); err != nil {
			lock.Unlock()
			return "", fmt.Errorf("failed to discard pending messages: %w", err)
		}
		e.logger.Info("discarded pending messages for restart",
			zap.String("issue_id", issueID),
			zap.Int("count", len(ids)))
	}

	if issue.ExternalSessionID != "" {
		issue.ExternalSessionID = ""
		if err := e.repo.SetExternalSessionID(ctx, issueID, ""); err != nil {
			lock.Unlock()
			return "", err
		}
	}

	executionID, err := e.startTurn(ctx, lock, issue, issue.Prompt)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	e.publishActivity(ctx, issueID, executionID, ActivityRestarted, "")
	return executionID, nil
}

// startTurn runs one execution start up to the point where the reader
// goroutine takes over. The caller holds the issue lock; on success the
// reader releases it at settle, on error the caller keeps it.
func (e *Engine) startTurn(ctx context.Context, lock *sync.Mutex, issue *models.Issue, basePrompt string) (string, error) {
	issueID := issue.ID

	prompt, pendingIDs, err := e.repo.CollectPending(ctx, issueID, basePrompt)
	if err != nil {
		// Queue rows stay queued for the turn after this one.
		e.logger.Warn("failed to collect pending messages",
			zap.String("issue_id", issueID),
			zap.Error(err))
		prompt, pendingIDs = basePrompt, nil
	}

	turn, err := e.repo.NextTurnIndex(ctx, issueID)
	if err != nil {
		return "", fmt.Errorf("failed to allocate turn index: %w", err)
	}

	executionID := ulid.Make().String()
	ring := e.ringFor(issueID)

	userEntry := &models.NormalizedEntry{
		EntryType: models.EntryUserMessage,
		Content:   prompt,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	userMessageID := ""
	persisted := e.repo.PersistLogEntry(ctx, issueID, executionID, userEntry, 0, turn, "")
	if persisted == nil {
		// Row lost; the ring copy keeps the prompt visible without an id.
		userEntry.TurnIndex = turn
		userEntry.EntryIndex = 0
		persisted = userEntry
	} else {
		userMessageID = persisted.MessageID
	}
	ring.Append(persisted)
	e.devModes.LoadOrStore(issueID, issue.DevMode)
	e.publishEntry(ctx, issueID, executionID, persisted)

	if err := e.repo.UpdateSessionStatus(ctx, issueID, models.SessionPending, ""); err != nil {
		return "", fmt.Errorf("failed to mark issue pending: %w", err)
	}
	e.publishState(ctx, issueID, executionID, models.SessionPending, "")

	ex, err := e.registry.Get(issue.EngineType)
	if err != nil {
		e.failStart(ctx, issueID, executionID, err.Error())
		return "", err
	}

	opts := executor.SpawnOptions{
		ExecutionID:       executionID,
		IssueID:           issueID,
		Prompt:            prompt,
		WorkingDir:        issue.WorkingDir,
		Model:             issue.Model,
		PermissionMode:    issue.PermissionMode,
		ExternalSessionID: issue.ExternalSessionID,
		FilterRules:       e.filterRules,
	}

	var sp *executor.SpawnedProcess
	if issue.ExternalSessionID != "" {
		sp, err = ex.SpawnFollowUp(ctx, opts)
		if errors.Is(err, executor.ErrSessionMissing) {
			e.logger.Info("engine session gone, spawning fresh",
				zap.String("issue_id", issueID),
				zap.String("external_session_id", issue.ExternalSessionID))
			opts.ExternalSessionID = ""
			sp, err = ex.Spawn(ctx, opts)
		}
	} else {
		sp, err = ex.Spawn(ctx, opts)
	}
	if err != nil {
		e.failStart(ctx, issueID, executionID, err.Error())
		return "", err
	}

	meta := map[string]string{
		"issue_id": issueID,
		"engine":   string(issue.EngineType),
	}
	if _, err := e.pm.Register(executionID, sp, meta, process.RegisterOpts{Group: processGroup, StartAsRunning: true}); err != nil {
		_ = sp.Kill()
		msg := err.Error()
		if errors.Is(err, process.ErrSessionLimitReached) {
			msg = process.ErrSessionLimitReached.Error()
		}
		e.failStart(ctx, issueID, executionID, msg)
		return "", err
	}

	exec := &execution{
		id:            executionID,
		issueID:       issueID,
		engine:        issue.EngineType,
		turnIndex:     turn,
		sp:            sp,
		norm:          ex.NewNormalizer(e.filterRules),
		ring:          ring,
		pendingIDs:    pendingIDs,
		userMessageID: userMessageID,
		entryIndex:    1, // slot 0 is the user message
		done:          make(chan struct{}),
	}

	e.mu.Lock()
	e.executions[issueID] = exec
	e.mu.Unlock()

	if err := e.repo.UpdateSessionStatus(ctx, issueID, models.SessionRunning, ""); err != nil {
		e.logger.Warn("failed to mark issue running",
			zap.String("issue_id", issueID),
			zap.Error(err))
	}
	e.publishState(ctx, issueID, executionID, models.SessionRunning, "")
	e.publishActivity(ctx, issueID, executionID, ActivitySpawned, string(issue.EngineType))

	go e.readLoop(exec, lock)

	e.logger.Info("execution started",
		zap.String("issue_id", issueID),
		zap.String("execution_id", executionID),
		zap.String("engine", string(issue.EngineType)),
		zap.Int("turn", turn),
		zap.Int("pid", sp.Pid()))
	return executionID, nil
}

// failStart records a start failure that happened before any child output.
func (e *Engine) failStart(ctx context.Context, issueID, executionID, message string) {
	if err := e.repo.UpdateSessionStatus(ctx, issueID, models.SessionFailed, message); err != nil {
		e.logger.Warn("failed to record start failure",
			zap.String("issue_id", issueID),
			zap.Error(err))
	}
	e.publishState(ctx, issueID, executionID, models.SessionFailed, message)
}

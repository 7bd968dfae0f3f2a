// Package codex runs the Codex CLI in app-server mode and speaks its
// JSON-RPC dialect over stdio. Unlike the stream-json engines, turns are
// driven by explicit startTurn calls and completion arrives as a
// turn/completed notification.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/executor/shared"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/pkg/appserver"
)

const (
	defaultBinary  = "codex"
	lineBufferSize = 256
)

var clientInfo = appserver.ClientInfo{
	Name:    "issuedeck",
	Title:   "IssueDeck",
	Version: "1.0.0",
}

// Executor drives Codex app-server sessions.
type Executor struct {
	cfg    *config.EnginesConfig
	logger *logger.Logger
}

func New(cfg *config.EnginesConfig, log *logger.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "codex-executor")),
	}
}

func (e *Executor) binaryPath() string {
	if e.cfg.CodexBinary != "" {
		return e.cfg.CodexBinary
	}
	return executor.LookPath(defaultBinary)
}

func (e *Executor) buildCommand(opts executor.SpawnOptions) (executor.Command, error) {
	program := e.binaryPath()
	if program == "" {
		return executor.Command{}, errors.New("codex binary not found")
	}
	return executor.Command{
		Program: program,
		Args:    []string{"app-server"},
		Env:     executor.SafeEnv(executor.EnvironMap(), opts.Env, e.cfg.SecretEnvKeys),
		Dir:     opts.WorkingDir,
	}, nil
}

// threadPolicy maps the permission mode onto the approval policy and
// sandbox the app-server expects.
func threadPolicy(mode models.PermissionMode) (string, *appserver.SandboxPolicy) {
	if mode == models.PermissionBypassPermissions {
		return "never", &appserver.SandboxPolicy{Type: "danger-full-access"}
	}
	return "on-request", &appserver.SandboxPolicy{
		Type:          "workspace-write",
		NetworkAccess: true,
	}
}

func (e *Executor) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	return e.spawn(ctx, opts, false)
}

func (e *Executor) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, executor.ErrSessionMissing
	}
	return e.spawn(ctx, opts, true)
}

func (e *Executor) spawn(ctx context.Context, opts executor.SpawnOptions, resume bool) (*executor.SpawnedProcess, error) {
	command, err := e.buildCommand(opts)
	if err != nil {
		return nil, err
	}

	cmd := command.Exec()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := executor.NewStderrTail(executor.DefaultStderrTailLines)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex: %w", err)
	}

	e.logger.Info("spawned codex app-server",
		zap.String("executionId", opts.ExecutionID),
		zap.String("issueId", opts.IssueID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resume", resume))

	client := appserver.NewClient(stdin, stdout, e.logger)
	client.SetCallTimeout(e.cfg.RPCTimeoutDuration())
	if shared.IODumpEnabled() {
		executionID := opts.ExecutionID
		client.SetLineHook(func(direction string, line []byte) {
			shared.DumpProtocolLine(e.logger, shared.ProtocolAppServer, executionID, direction, line)
		})
	}

	lines := make(chan []byte, lineBufferSize)
	handler := &rpcHandler{
		client:  client,
		stdin:   stdin,
		timeout: e.cfg.RPCTimeoutDuration(),
	}

	sp := executor.NewSpawnedProcess(opts.ExecutionID, opts.IssueID, models.EngineCodex, cmd, handler, lines, stderr, client.Done())

	client.SetNotificationHandler(func(method string, params, raw json.RawMessage) {
		if method == appserver.NotifyTurnStarted {
			var p appserver.TurnStartedParams
			if unmarshalErr := json.Unmarshal(params, &p); unmarshalErr == nil && p.Turn != nil {
				handler.setTurn(p.Turn.ID)
			}
		}
		lines <- raw
	})
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		switch method {
		case appserver.RequestCommandApproval, appserver.RequestFileChangeApproval:
			_ = client.SendResponse(id, appserver.ApprovalResponse{Decision: appserver.DecisionAccept}, nil)
		default:
			_ = client.SendResponse(id, nil, &appserver.RPCError{
				Code:    appserver.CodeMethodNotFound,
				Message: "Method not found",
			})
		}
	})
	go func() {
		<-client.Done()
		close(lines)
	}()

	client.Start(ctx)

	if err := e.handshake(ctx, client, handler, sp, opts, resume); err != nil {
		_ = handler.Close()
		_ = sp.Kill()
		return nil, err
	}
	return sp, nil
}

func (e *Executor) handshake(ctx context.Context, client *appserver.Client, handler *rpcHandler, sp *executor.SpawnedProcess, opts executor.SpawnOptions, resume bool) error {
	if _, err := client.Initialize(ctx, &clientInfo); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := client.Initialized(); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	approval, sandbox := threadPolicy(opts.PermissionMode)
	var thread *appserver.Thread
	var err error
	if resume {
		thread, err = client.ResumeThread(ctx, &appserver.ResumeThreadParams{
			ThreadID:       opts.ExternalSessionID,
			Cwd:            opts.WorkingDir,
			ApprovalPolicy: approval,
			SandboxPolicy:  sandbox,
		})
	} else {
		thread, err = client.NewThread(ctx, &appserver.NewThreadParams{
			Model:          opts.Model,
			Cwd:            opts.WorkingDir,
			ApprovalPolicy: approval,
			SandboxPolicy:  sandbox,
		})
	}
	if err != nil {
		return fmt.Errorf("open thread: %w", err)
	}
	sp.SetExternalSessionID(thread.ID)
	handler.setThread(thread.ID)

	if opts.Prompt != "" {
		turn, err := client.StartTurn(ctx, thread.ID, opts.Prompt)
		if err != nil {
			return fmt.Errorf("start turn: %w", err)
		}
		handler.setTurn(turn.ID)
	}
	return nil
}

func (e *Executor) Cancel(ctx context.Context, sp *executor.SpawnedProcess) error {
	return shared.CancelProcess(ctx, e.logger, sp, e.cfg.KillGraceDuration())
}

func (e *Executor) Availability(ctx context.Context) models.EngineAvailability {
	avail := models.EngineAvailability{EngineType: models.EngineCodex}

	program := e.binaryPath()
	if program == "" {
		avail.Error = "codex binary not found"
		return avail
	}
	version, err := executor.ProbeVersion(ctx, e.cfg.AvailabilityTimeoutDuration(), program, "--version")
	if err != nil {
		avail.Error = err.Error()
		return avail
	}
	avail.Installed = true
	avail.Version = version
	avail.BinaryPath = program
	avail.AuthStatus = executor.DetectAuth(
		[]string{"OPENAI_API_KEY"},
		[]string{".codex/auth.json"},
	)
	return avail
}

// Models starts a throwaway app-server session and asks it for the model
// list. The child is killed as soon as the call returns.
func (e *Executor) Models(ctx context.Context) ([]models.Model, error) {
	command, err := e.buildCommand(executor.SpawnOptions{})
	if err != nil {
		return nil, err
	}

	cmd := command.Exec()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex: %w", err)
	}

	client := appserver.NewClient(stdin, stdout, e.logger)
	client.SetCallTimeout(e.cfg.RPCTimeoutDuration())
	client.Start(ctx)
	defer func() {
		client.Stop()
		_ = stdin.Close()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
	}()

	if _, err := client.Initialize(ctx, &clientInfo); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := client.Initialized(); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	out := make([]models.Model, 0, len(list))
	for _, m := range list {
		out = append(out, models.Model{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Default:     m.Default,
		})
	}
	return out, nil
}

func (e *Executor) NewNormalizer(rules []models.WriteFilterRule) executor.Normalizer {
	return NewNormalizer(rules)
}

// rpcHandler implements the protocol handler on top of the app-server
// client. Follow-up text becomes a startTurn call on the open thread.
type rpcHandler struct {
	client  *appserver.Client
	stdin   io.Closer
	timeout time.Duration

	mu       sync.Mutex
	threadID string
	turnID   string

	once sync.Once
}

func (h *rpcHandler) setThread(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threadID = id
}

func (h *rpcHandler) thread() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadID
}

func (h *rpcHandler) setTurn(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turnID = id
}

func (h *rpcHandler) turn() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turnID
}

func (h *rpcHandler) callTimeout() time.Duration {
	if h.timeout > 0 {
		return h.timeout
	}
	return appserver.DefaultCallTimeout
}

func (h *rpcHandler) SendUserMessage(text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout())
	defer cancel()
	turn, err := h.client.StartTurn(ctx, h.thread(), text)
	if err != nil {
		return err
	}
	h.setTurn(turn.ID)
	return nil
}

func (h *rpcHandler) Interrupt() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout())
	defer cancel()
	return h.client.Interrupt(ctx, h.thread(), h.turn())
}

func (h *rpcHandler) Close() error {
	h.once.Do(func() {
		h.client.Stop()
		_ = h.stdin.Close()
	})
	return nil
}

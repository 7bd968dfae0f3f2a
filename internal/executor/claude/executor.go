// Package claude runs the Claude Code CLI over the streaming-JSON stdio
// protocol.
package claude

import (
	"context"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/executor/shared"
	"github.com/issuedeck/issuedeck/internal/issue/models"
)

const (
	defaultBinary = "claude"
	npxPackage    = "@anthropic-ai/claude-code"
)

type Executor struct {
	cfg    *config.EnginesConfig
	logger *logger.Logger
}

func New(cfg *config.EnginesConfig, log *logger.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "claude-executor")),
	}
}

// binary resolves the program and leading args: configured override first,
// then the claude binary on PATH, then the npx fallback.
func (e *Executor) binary() (string, []string) {
	if e.cfg.ClaudeBinary != "" {
		return e.cfg.ClaudeBinary, nil
	}
	if path := executor.LookPath(defaultBinary); path != "" {
		return path, nil
	}
	return "npx", []string{"-y", npxPackage}
}

// buildCommand assembles one spawn's command line and sanitized
// environment.
func (e *Executor) buildCommand(opts executor.SpawnOptions, resume bool) executor.Command {
	program, args := e.binary()
	args = append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
	)

	mode := opts.PermissionMode
	if mode == "" {
		mode = models.PermissionDefault
	}
	args = append(args, "--permission-mode", string(mode))

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if resume {
		args = append(args, "--resume", opts.ExternalSessionID)
	}

	return executor.Command{
		Program: program,
		Args:    args,
		Env:     executor.SafeEnv(executor.EnvironMap(), opts.Env, e.cfg.SecretEnvKeys),
		Dir:     opts.WorkingDir,
	}
}

func (e *Executor) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	e.logger.Info("spawning claude session",
		zap.String("execution_id", opts.ExecutionID),
		zap.String("issue_id", opts.IssueID),
		zap.String("model", opts.Model))
	return shared.SpawnStream(ctx, e.logger, e.buildCommand(opts, false), opts, models.EngineClaudeCode)
}

func (e *Executor) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, executor.ErrSessionMissing
	}
	e.logger.Info("resuming claude session",
		zap.String("execution_id", opts.ExecutionID),
		zap.String("issue_id", opts.IssueID),
		zap.String("external_session_id", opts.ExternalSessionID))
	return shared.SpawnStream(ctx, e.logger, e.buildCommand(opts, true), opts, models.EngineClaudeCode)
}

func (e *Executor) Cancel(ctx context.Context, sp *executor.SpawnedProcess) error {
	return shared.CancelProcess(ctx, e.logger, sp, e.cfg.KillGraceDuration())
}

func (e *Executor) Availability(ctx context.Context) models.EngineAvailability {
	avail := models.EngineAvailability{EngineType: models.EngineClaudeCode}
	timeout := e.cfg.AvailabilityTimeoutDuration()

	program := e.cfg.ClaudeBinary
	if program == "" {
		program = defaultBinary
	}

	if path := executor.LookPath(program); path != "" {
		version, err := executor.ProbeVersion(ctx, timeout, path, "--version")
		if err != nil {
			avail.Error = err.Error()
			return avail
		}
		avail.Installed = true
		avail.Version = version
		avail.BinaryPath = path
	} else {
		// No binary on PATH; the npx fallback still counts as installed
		// when the probe answers.
		version, err := executor.ProbeVersion(ctx, timeout, "npx", "-y", npxPackage, "--version")
		if err != nil {
			avail.Error = "claude binary not found"
			return avail
		}
		avail.Installed = true
		avail.Version = version
		avail.BinaryPath = "npx " + npxPackage
	}

	avail.AuthStatus = executor.DetectAuth(
		[]string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		[]string{".claude.json", ".claude"},
	)
	return avail
}

func (e *Executor) Models(ctx context.Context) ([]models.Model, error) {
	return []models.Model{
		{ID: "claude-sonnet-4-5", DisplayName: "Sonnet 4.5", Default: true},
		{ID: "claude-opus-4-6", DisplayName: "Opus 4.6"},
		{ID: "claude-opus-4-5", DisplayName: "Opus 4.5"},
		{ID: "claude-haiku-4-5", DisplayName: "Haiku 4.5"},
	}, nil
}

func (e *Executor) NewNormalizer(rules []models.WriteFilterRule) executor.Normalizer {
	return shared.NewStreamNormalizer(rules)
}

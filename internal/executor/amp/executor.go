// Package amp runs the Sourcegraph Amp CLI. Amp speaks the same
// streaming-JSON protocol as claude but is one-shot per turn: every
// follow-up spawns a fresh `amp threads continue` process against the
// thread id captured from the previous run's init frame.
package amp

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
	defaultBinary = "amp"
	npxPackage    = "@sourcegraph/amp@latest"
)

type Executor struct {
	cfg    *config.EnginesConfig
	logger *logger.Logger
}

func New(cfg *config.EnginesConfig, log *logger.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "amp-executor")),
	}
}

func (e *Executor) binary() (string, []string) {
	if e.cfg.AmpBinary != "" {
		return e.cfg.AmpBinary, nil
	}
	if path := executor.LookPath(defaultBinary); path != "" {
		return path, nil
	}
	return "npx", []string{"-y", npxPackage}
}

func (e *Executor) buildCommand(opts executor.SpawnOptions, resume bool) executor.Command {
	program, args := e.binary()
	if resume {
		args = append(args, "threads", "continue", opts.ExternalSessionID)
	}
	args = append(args,
		"--execute",
		"--stream-json",
		"--stream-json-input",
		"--dangerously-allow-all",
	)
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}

	return executor.Command{
		Program: program,
		Args:    args,
		Env:     executor.SafeEnv(executor.EnvironMap(), opts.Env, e.cfg.SecretEnvKeys),
		Dir:     opts.WorkingDir,
	}
}

func (e *Executor) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	e.logger.Info("spawning amp thread",
		zap.String("execution_id", opts.ExecutionID),
		zap.String("issue_id", opts.IssueID))
	return shared.SpawnStream(ctx, e.logger, e.buildCommand(opts, false), opts, models.EngineAmp)
}

func (e *Executor) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, executor.ErrSessionMissing
	}
	e.logger.Info("continuing amp thread",
		zap.String("execution_id", opts.ExecutionID),
		zap.String("issue_id", opts.IssueID),
		zap.String("thread_id", opts.ExternalSessionID))
	return shared.SpawnStream(ctx, e.logger, e.buildCommand(opts, true), opts, models.EngineAmp)
}

func (e *Executor) Cancel(ctx context.Context, sp *executor.SpawnedProcess) error {
	return shared.CancelProcess(ctx, e.logger, sp, e.cfg.KillGraceDuration())
}

func (e *Executor) Availability(ctx context.Context) models.EngineAvailability {
	avail := models.EngineAvailability{EngineType: models.EngineAmp}
	timeout := e.cfg.AvailabilityTimeoutDuration()

	program := e.cfg.AmpBinary
	if program == "" {
		program = defaultBinary
	}

	path := executor.LookPath(program)
	if path == "" {
		avail.Error = "amp binary not found"
		return avail
	}

	version, err := executor.ProbeVersion(ctx, timeout, path, "--version")
	if err != nil {
		avail.Error = err.Error()
		return avail
	}
	avail.Installed = true
	avail.Version = version
	avail.BinaryPath = path

	avail.AuthStatus = executor.DetectAuth(
		[]string{"AMP_API_KEY"},
		[]string{".config/amp/settings.json", ".amp"},
	)
	return avail
}

func (e *Executor) Models(ctx context.Context) ([]models.Model, error) {
	return []models.Model{
		{ID: "smart", DisplayName: "Smart Mode", Default: true},
		{ID: "deep", DisplayName: "Deep Mode"},
	}, nil
}

func (e *Executor) NewNormalizer(rules []models.WriteFilterRule) executor.Normalizer {
	return shared.NewStreamNormalizer(rules)
}

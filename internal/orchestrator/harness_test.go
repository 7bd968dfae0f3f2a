package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/db"
	"github.com/issuedeck/issuedeck/internal/db/dialect"
	"github.com/issuedeck/issuedeck/internal/events/bus"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/issue/repository/sqlite"
	"github.com/issuedeck/issuedeck/internal/process"
)

// fakeNormalizer decodes test lines that carry pre-built entries as JSON.
// Undecodable lines surface as system messages, like the real pipeline.
type fakeNormalizer struct{}

func (fakeNormalizer) Parse(rawLine string) []models.NormalizedEntry {
	var entry models.NormalizedEntry
	if err := json.Unmarshal([]byte(rawLine), &entry); err != nil {
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   rawLine,
		}}
	}
	return []models.NormalizedEntry{entry}
}

type fakeHandler struct {
	mu         sync.Mutex
	sent       []string
	interrupts int
	closed     bool
}

func (h *fakeHandler) SendUserMessage(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, text)
	return nil
}

func (h *fakeHandler) Interrupt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
	return nil
}

func (h *fakeHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandler) wasClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandler) interruptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupts
}

// fakeSession is one spawned fake child. The test feeds entries through the
// line channel and then finishes the session, which ends the output stream
// and lets the child's exit status be collected.
type fakeSession struct {
	sp         *executor.SpawnedProcess
	handler    *fakeHandler
	opts       executor.SpawnOptions
	resumed    bool
	lines      chan []byte
	readerDone chan struct{}
	finishOnce sync.Once
}

func (s *fakeSession) feed(t *testing.T, entry models.NormalizedEntry) {
	t.Helper()
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	select {
	case s.lines <- raw:
	case <-time.After(2 * time.Second):
		t.Fatal("line channel full")
	}
}

func (s *fakeSession) finish() {
	s.finishOnce.Do(func() {
		close(s.lines)
		close(s.readerDone)
	})
}

// fakeExecutor satisfies executor.Executor with real SpawnedProcess values
// wrapped around short-lived shell children, so exit codes behave like
// production while the test scripts the protocol stream.
type fakeExecutor struct {
	mu               sync.Mutex
	sessions         []*fakeSession
	exitCode         int
	spawnErr         error
	followUpErr      error
	followUpAttempts int
	externalID       string
	cancels          int
}

func (f *fakeExecutor) newSession(opts executor.SpawnOptions, resumed bool) (*fakeSession, error) {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("exit %d", f.exitCode))
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	lines := make(chan []byte, 64)
	readerDone := make(chan struct{})
	handler := &fakeHandler{}
	sp := executor.NewSpawnedProcess(opts.ExecutionID, opts.IssueID, models.EngineClaudeCode, cmd, handler, lines, executor.NewStderrTail(10), readerDone)
	if f.externalID != "" {
		sp.SetExternalSessionID(f.externalID)
	}

	session := &fakeSession{
		sp:         sp,
		handler:    handler,
		opts:       opts,
		resumed:    resumed,
		lines:      lines,
		readerDone: readerDone,
	}
	f.sessions = append(f.sessions, session)
	return session, nil
}

func (f *fakeExecutor) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	session, err := f.newSession(opts, false)
	if err != nil {
		return nil, err
	}
	return session.sp, nil
}

func (f *fakeExecutor) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followUpAttempts++
	if opts.ExternalSessionID == "" {
		return nil, executor.ErrSessionMissing
	}
	if f.followUpErr != nil {
		return nil, f.followUpErr
	}
	session, err := f.newSession(opts, true)
	if err != nil {
		return nil, err
	}
	return session.sp, nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, sp *executor.SpawnedProcess) error {
	f.mu.Lock()
	f.cancels++
	var target *fakeSession
	for _, s := range f.sessions {
		if s.sp == sp {
			target = s
		}
	}
	f.mu.Unlock()

	_ = sp.Handler.Interrupt()
	if target != nil {
		target.finish()
	}
	return sp.AwaitExit(ctx)
}

func (f *fakeExecutor) Availability(ctx context.Context) models.EngineAvailability {
	return models.EngineAvailability{EngineType: models.EngineClaudeCode, Installed: true}
}

func (f *fakeExecutor) Models(ctx context.Context) ([]models.Model, error) {
	return []models.Model{{ID: "fake-model", Default: true}}, nil
}

func (f *fakeExecutor) NewNormalizer(rules []models.WriteFilterRule) executor.Normalizer {
	return fakeNormalizer{}
}

func (f *fakeExecutor) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < len(f.sessions) {
		return f.sessions[i]
	}
	return nil
}

func (f *fakeExecutor) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeExecutor) finishAll() {
	f.mu.Lock()
	sessions := append([]*fakeSession(nil), f.sessions...)
	f.mu.Unlock()
	for _, s := range sessions {
		s.finish()
	}
}

type engineFixture struct {
	engine *Engine
	repo   *sqlite.Repository
	fake   *fakeExecutor
	bus    *bus.MemoryEventBus
}

func newEngineFixture(t *testing.T) *engineFixture {
	return newEngineFixtureWithConfig(t, &config.Config{
		Process: config.ProcessConfig{
			MaxConcurrent: 8,
			KillTimeout:   1,
		},
	})
}

func newEngineFixtureWithConfig(t *testing.T, cfg *config.Config) *engineFixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{
		Driver: dialect.SQLite3,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := sqlite.New(pool, log)
	require.NoError(t, err)

	fake := &fakeExecutor{}
	registry := executor.NewRegistry()
	registry.Register(models.EngineClaudeCode, fake)

	pm := process.NewManager[*executor.SpawnedProcess](&cfg.Process, log)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	engine := NewEngine(cfg, log, repo, registry, pm, memBus, nil)
	t.Cleanup(fake.finishAll)

	return &engineFixture{
		engine: engine,
		repo:   repo,
		fake:   fake,
		bus:    memBus,
	}
}

func (fx *engineFixture) createIssue(t *testing.T, id, prompt string) *models.Issue {
	t.Helper()
	issue := &models.Issue{
		ID:         id,
		ProjectID:  "proj-1",
		EngineType: models.EngineClaudeCode,
		Prompt:     prompt,
	}
	require.NoError(t, fx.repo.CreateIssue(context.Background(), issue))
	return issue
}

// waitStatus blocks until the issue reaches the wanted session status.
func (fx *engineFixture) waitStatus(t *testing.T, issueID string, want models.SessionStatus) *models.Issue {
	t.Helper()
	var issue *models.Issue
	require.Eventually(t, func() bool {
		var err error
		issue, err = fx.repo.GetIssue(context.Background(), issueID)
		return err == nil && issue.SessionStatus == want
	}, 3*time.Second, 10*time.Millisecond, "issue %s never reached %s", issueID, want)
	return issue
}

// waitIdle blocks until no execution is attached to the issue anymore.
func (fx *engineFixture) waitIdle(t *testing.T, issueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !fx.engine.HasActiveProcessForIssue(issueID)
	}, 3*time.Second, 10*time.Millisecond)
}

func assistantEntry(content string) models.NormalizedEntry {
	return models.NormalizedEntry{
		EntryType: models.EntryAssistantMessage,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func resultEntry(content string) models.NormalizedEntry {
	return models.NormalizedEntry{
		EntryType: models.EntrySystemMessage,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  map[string]interface{}{models.MetaTurnCompleted: true},
	}
}

func errorEntry(content string) models.NormalizedEntry {
	return models.NormalizedEntry{
		EntryType: models.EntryErrorMessage,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

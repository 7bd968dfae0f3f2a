package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/issue/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testProcessConfig() *config.ProcessConfig {
	return &config.ProcessConfig{
		MaxConcurrent: 2,
		GCInterval:    30,
		MaxAgeHours:   24,
		KillTimeout:   1,
	}
}

// startChild launches a real shell child wrapped the way the orchestrator
// registers engine processes.
func startChild(t *testing.T, execID, program string, args ...string) *executor.SpawnedProcess {
	t.Helper()
	cmd := executor.Command{
		Program: program,
		Args:    args,
		Env:     executor.EnvironMap(),
	}.Exec()
	require.NoError(t, cmd.Start())

	readerDone := make(chan struct{})
	close(readerDone)
	sp := executor.NewSpawnedProcess(execID, "is1", models.EngineClaudeCode, cmd, nil, nil, executor.NewStderrTail(0), readerDone)
	t.Cleanup(func() { _ = sp.Kill() })
	return sp
}

func awaitExit(t *testing.T, sp *executor.SpawnedProcess) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sp.AwaitExit(ctx))
}

func TestRegisterAndGet(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	sp := startChild(t, "ex1", "sleep", "30")

	entry, err := m.Register("ex1", sp, map[string]string{"issueId": "is1"}, RegisterOpts{Group: "issues", StartAsRunning: true})
	require.NoError(t, err)
	assert.Equal(t, "ex1", entry.ID)
	assert.Equal(t, StateRunning, entry.State())
	assert.Equal(t, -1, entry.ExitCode())

	got, ok := m.Get("ex1")
	require.True(t, ok)
	assert.Equal(t, "is1", got.Meta["issueId"])
	assert.Equal(t, "issues", got.Group)
	assert.True(t, m.Has("ex1"))
	assert.Len(t, m.GetActive(), 1)
}

func TestRegisterDuplicateID(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	sp := startChild(t, "ex1", "sleep", "30")

	_, err := m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	require.NoError(t, err)

	_, err = m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestRegisterEnforcesGroupLimit(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))

	for i, id := range []string{"ex1", "ex2"} {
		sp := startChild(t, id, "sleep", "30")
		_, err := m.Register(id, sp, nil, RegisterOpts{Group: "issues", StartAsRunning: true})
		require.NoError(t, err, "register %d", i)
	}

	over := startChild(t, "ex3", "sleep", "30")
	_, err := m.Register("ex3", over, nil, RegisterOpts{Group: "issues", StartAsRunning: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionLimitReached))
	assert.Contains(t, err.Error(), "session_limit_reached")

	// a different group has its own budget
	other := startChild(t, "ex4", "sleep", "30")
	_, err = m.Register("ex4", other, nil, RegisterOpts{Group: "terminal", StartAsRunning: true})
	assert.NoError(t, err)
}

func TestExitedEntriesFreeGroupCapacity(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))

	exitCh := make(chan int, 4)
	m.OnExit(func(_ Entry[*executor.SpawnedProcess], code int) { exitCh <- code })

	short := startChild(t, "ex1", "sh", "-c", "exit 0")
	_, err := m.Register("ex1", short, nil, RegisterOpts{Group: "issues", StartAsRunning: true})
	require.NoError(t, err)

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	for _, id := range []string{"ex2", "ex3"} {
		sp := startChild(t, id, "sleep", "30")
		_, err := m.Register(id, sp, nil, RegisterOpts{Group: "issues", StartAsRunning: true})
		require.NoError(t, err, "register %s", id)
	}
}

func TestOnExitCallbackReceivesExitCode(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))

	type exitEvent struct {
		entry Entry[*executor.SpawnedProcess]
		code  int
	}
	exitCh := make(chan exitEvent, 1)
	m.OnExit(func(entry Entry[*executor.SpawnedProcess], code int) {
		exitCh <- exitEvent{entry: entry, code: code}
	})

	sp := startChild(t, "ex1", "sh", "-c", "exit 3")
	_, err := m.Register("ex1", sp, map[string]string{"issueId": "is1"}, RegisterOpts{Group: "issues", StartAsRunning: true})
	require.NoError(t, err)

	select {
	case ev := <-exitCh:
		assert.Equal(t, 3, ev.code)
		assert.Equal(t, "ex1", ev.entry.ID)
		assert.Equal(t, StateExited, ev.entry.State())
		assert.Equal(t, "is1", ev.entry.Meta["issueId"])
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}

	got, ok := m.Get("ex1")
	require.True(t, ok)
	assert.Equal(t, StateExited, got.State())
	assert.Equal(t, 3, got.ExitCode())
	assert.Empty(t, m.GetActive())
}

func TestForceKillTermIsEnough(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	sp := startChild(t, "ex1", "sleep", "30")
	_, err := m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.ForceKill("ex1"))
	assert.Less(t, time.Since(start), 3*time.Second)

	awaitExit(t, sp)
	assert.False(t, sp.Running())
}

func TestForceKillStubbornChild(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	sp := startChild(t, "ex1", "sh", "-c", `trap '' TERM; while :; do sleep 1; done`)
	_, err := m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	require.NoError(t, err)

	require.NoError(t, m.ForceKill("ex1"))
	awaitExit(t, sp)
	assert.False(t, sp.Running())
}

func TestForceKillUnknownID(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	err := m.ForceKill("nope")
	assert.True(t, errors.Is(err, ErrProcessNotFound))
}

func TestRemove(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	sp := startChild(t, "ex1", "sh", "-c", "exit 0")
	_, err := m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	require.NoError(t, err)

	awaitExit(t, sp)
	m.Remove("ex1")
	assert.False(t, m.Has("ex1"))
}

func TestGCRemovesCorpses(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))

	exitCh := make(chan int, 1)
	m.OnExit(func(_ Entry[*executor.SpawnedProcess], code int) { exitCh <- code })

	sp := startChild(t, "ex1", "sh", "-c", "exit 0")
	_, err := m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	require.NoError(t, err)

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	m.gcPass()
	assert.False(t, m.Has("ex1"))
}

func TestGCForceKillsAgedEntries(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	sp := startChild(t, "ex1", "sleep", "30")
	_, err := m.Register("ex1", sp, nil, RegisterOpts{Group: "issues", StartAsRunning: true})
	require.NoError(t, err)

	m.mu.Lock()
	m.entries["ex1"].StartedAt = time.Now().Add(-25 * time.Hour)
	m.mu.Unlock()

	m.gcPass()
	awaitExit(t, sp)

	m.gcPass()
	assert.False(t, m.Has("ex1"))
}

func TestGetActiveInGroup(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))

	a := startChild(t, "ex1", "sleep", "30")
	_, err := m.Register("ex1", a, nil, RegisterOpts{Group: "issues", StartAsRunning: true})
	require.NoError(t, err)
	b := startChild(t, "ex2", "sleep", "30")
	_, err = m.Register("ex2", b, nil, RegisterOpts{Group: "terminal", StartAsRunning: true})
	require.NoError(t, err)

	issues := m.GetActiveInGroup("issues")
	require.Len(t, issues, 1)
	assert.Equal(t, "ex1", issues[0].ID)
	assert.Empty(t, m.GetActiveInGroup("nope"))
}

func TestStopTerminatesWatchers(t *testing.T) {
	m := NewManager[*executor.SpawnedProcess](testProcessConfig(), newTestLogger(t))
	m.Start()
	sp := startChild(t, "ex1", "sleep", "30")
	_, err := m.Register("ex1", sp, nil, RegisterOpts{StartAsRunning: true})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

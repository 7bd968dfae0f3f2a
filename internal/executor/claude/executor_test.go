package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
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

// writeScript writes an executable shell script standing in for the engine
// binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testConfig(binary string) *config.EnginesConfig {
	return &config.EnginesConfig{
		SecretEnvKeys:       []string{"API_SECRET", "DB_PATH", "ALLOWED_ORIGIN"},
		ClaudeBinary:        binary,
		AvailabilityTimeout: 2,
		RPCTimeout:          15,
		KillGrace:           1,
	}
}

func drainLines(t *testing.T, sp *executor.SpawnedProcess) []string {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-sp.Stdout:
			if !ok {
				return lines
			}
			lines = append(lines, string(line))
		case <-timeout:
			t.Fatalf("stdout channel did not close; got %d lines", len(lines))
		}
	}
}

func TestBuildCommandFreshSession(t *testing.T) {
	e := New(testConfig("/usr/local/bin/claude"), newTestLogger(t))

	cmd := e.buildCommand(executor.SpawnOptions{
		ExecutionID:    "ex1",
		Prompt:         "fix it",
		WorkingDir:     "/work",
		Model:          "claude-sonnet-4-5",
		PermissionMode: models.PermissionBypassPermissions,
	}, false)

	assert.Equal(t, "/usr/local/bin/claude", cmd.Program)
	assert.Equal(t, []string{
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", "bypassPermissions",
		"--model", "claude-sonnet-4-5",
	}, cmd.Args)
	assert.Equal(t, "/work", cmd.Dir)
}

func TestBuildCommandResume(t *testing.T) {
	e := New(testConfig("claude"), newTestLogger(t))

	cmd := e.buildCommand(executor.SpawnOptions{
		ExternalSessionID: "sess-42",
	}, true)

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "--resume sess-42")
	assert.Contains(t, args, "--permission-mode default", "mode falls back to default")
}

func TestBuildCommandSanitizesEnv(t *testing.T) {
	t.Setenv("API_SECRET", "top-secret")
	t.Setenv("ISSUEDECK_DATABASE_PATH", "/data/db")
	e := New(testConfig("claude"), newTestLogger(t))

	cmd := e.buildCommand(executor.SpawnOptions{Env: map[string]string{"EXTRA": "1"}}, false)

	assert.NotContains(t, cmd.Env, "API_SECRET")
	assert.NotContains(t, cmd.Env, "ISSUEDECK_DATABASE_PATH")
	assert.Equal(t, "1", cmd.Env["EXTRA"])
	assert.Equal(t, "xterm-256color", cmd.Env["TERM"])
}

func TestSpawnFollowUpWithoutSessionID(t *testing.T) {
	e := New(testConfig("claude"), newTestLogger(t))

	_, err := e.SpawnFollowUp(context.Background(), executor.SpawnOptions{ExecutionID: "ex1"})
	assert.True(t, errors.Is(err, executor.ErrSessionMissing))
}

func TestSpawnRunsTurnToCompletion(t *testing.T) {
	script := writeScript(t, `read line
echo '{"type":"system","subtype":"init","session_id":"s-test","slash_commands":["/compact","/clear"]}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","subtype":"success","duration_ms":10}'
echo 'engine warning' >&2
`)
	e := New(testConfig(script), newTestLogger(t))

	sp, err := e.Spawn(context.Background(), executor.SpawnOptions{
		ExecutionID: "ex1",
		IssueID:     "is1",
		Prompt:      "hello",
	})
	require.NoError(t, err)

	lines := drainLines(t, sp)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"subtype":"init"`)
	assert.Contains(t, lines[2], `"type":"result"`)

	require.NoError(t, sp.AwaitExit(context.Background()))
	assert.Equal(t, 0, sp.ExitCode())
	assert.Equal(t, "s-test", sp.ExternalSessionID())
	assert.Equal(t, []string{"/compact", "/clear"}, sp.SlashCommands())
	assert.Equal(t, "engine warning", sp.Stderr.Tail())
}

func TestSpawnDeliversPromptOnStdin(t *testing.T) {
	// The stub echoes a session id that depends on the prompt content, so a
	// matching id proves the prompt frame reached stdin.
	script := writeScript(t, `read line
if echo "$line" | grep -q 'do the thing'; then
  echo '{"type":"system","subtype":"init","session_id":"prompt-seen"}'
else
  echo '{"type":"system","subtype":"init","session_id":"prompt-missing"}'
fi
`)
	e := New(testConfig(script), newTestLogger(t))

	sp, err := e.Spawn(context.Background(), executor.SpawnOptions{ExecutionID: "ex2", Prompt: "do the thing"})
	require.NoError(t, err)
	drainLines(t, sp)
	require.NoError(t, sp.AwaitExit(context.Background()))
	assert.Equal(t, 0, sp.ExitCode())
	assert.Equal(t, "prompt-seen", sp.ExternalSessionID())
}

func TestCancelKillsStubbornChild(t *testing.T) {
	script := writeScript(t, `echo '{"type":"system","subtype":"init","session_id":"s3"}'
sleep 30
`)
	e := New(testConfig(script), newTestLogger(t))

	sp, err := e.Spawn(context.Background(), executor.SpawnOptions{ExecutionID: "ex3", Prompt: "hi"})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.Cancel(context.Background(), sp))
	assert.False(t, sp.Running())
	assert.Less(t, time.Since(start), 4*time.Second, "kill grace is one second")
	drainLines(t, sp)
}

func TestCancelNilProcess(t *testing.T) {
	e := New(testConfig("claude"), newTestLogger(t))
	assert.NoError(t, e.Cancel(context.Background(), nil))
}

func TestModelsStaticTable(t *testing.T) {
	e := New(testConfig("claude"), newTestLogger(t))

	list, err := e.Models(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, "claude-sonnet-4-5", list[0].ID)
	assert.True(t, list[0].Default)
}

func TestNewNormalizerAppliesFilterRules(t *testing.T) {
	e := New(testConfig("claude"), newTestLogger(t))
	n := e.NewNormalizer([]models.WriteFilterRule{
		{Type: models.FilterRuleToolName, Match: "Bash", Enabled: true},
	})

	entries := n.Parse(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`)
	assert.Empty(t, entries)
}

func TestAvailabilityWithScriptBinary(t *testing.T) {
	// A script that answers --version stands in for a real installation.
	script := writeScript(t, `echo '2.1.50 (Claude Code)'`)
	e := New(testConfig(script), newTestLogger(t))

	avail := e.Availability(context.Background())
	assert.Equal(t, models.EngineClaudeCode, avail.EngineType)
	assert.True(t, avail.Installed)
	assert.Equal(t, "2.1.50 (Claude Code)", avail.Version)
	assert.Equal(t, script, avail.BinaryPath)
}

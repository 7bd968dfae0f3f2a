package amp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-amp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testConfig(binary string) *config.EnginesConfig {
	return &config.EnginesConfig{
		SecretEnvKeys:       []string{"API_SECRET"},
		AmpBinary:           binary,
		AvailabilityTimeout: 2,
		RPCTimeout:          15,
		KillGrace:           1,
	}
}

func TestBuildCommandFreshThread(t *testing.T) {
	e := New(testConfig("/usr/bin/amp"), newTestLogger(t))

	cmd := e.buildCommand(executor.SpawnOptions{Model: "deep", WorkingDir: "/work"}, false)

	assert.Equal(t, "/usr/bin/amp", cmd.Program)
	assert.Equal(t, []string{
		"--execute",
		"--stream-json",
		"--stream-json-input",
		"--dangerously-allow-all",
		"-m", "deep",
	}, cmd.Args)
	assert.Equal(t, "/work", cmd.Dir)
}

func TestBuildCommandContinueThread(t *testing.T) {
	e := New(testConfig("amp"), newTestLogger(t))

	cmd := e.buildCommand(executor.SpawnOptions{ExternalSessionID: "T-abc123"}, true)

	assert.Equal(t, []string{
		"threads", "continue", "T-abc123",
		"--execute",
		"--stream-json",
		"--stream-json-input",
		"--dangerously-allow-all",
	}, cmd.Args)
}

func TestSpawnFollowUpWithoutThreadID(t *testing.T) {
	e := New(testConfig("amp"), newTestLogger(t))

	_, err := e.SpawnFollowUp(context.Background(), executor.SpawnOptions{ExecutionID: "ex1"})
	assert.True(t, errors.Is(err, executor.ErrSessionMissing))
}

func TestSpawnCapturesThreadID(t *testing.T) {
	script := writeScript(t, `read line
echo '{"type":"system","subtype":"init","session_id":"T-9f2"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
echo '{"type":"result","subtype":"success"}'
`)
	e := New(testConfig(script), newTestLogger(t))

	sp, err := e.Spawn(context.Background(), executor.SpawnOptions{ExecutionID: "ex1", Prompt: "go"})
	require.NoError(t, err)

	var lines []string
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case line, ok := <-sp.Stdout:
			if !ok {
				break loop
			}
			lines = append(lines, string(line))
		case <-deadline:
			t.Fatal("stdout did not close")
		}
	}

	require.NoError(t, sp.AwaitExit(context.Background()))
	assert.Len(t, lines, 3)
	assert.Equal(t, "T-9f2", sp.ExternalSessionID(), "thread id comes from the init frame")
}

func TestModelsStaticTable(t *testing.T) {
	e := New(testConfig("amp"), newTestLogger(t))

	list, err := e.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "smart", list[0].ID)
	assert.True(t, list[0].Default)
	assert.Equal(t, "deep", list[1].ID)
}

func TestAvailabilityBinaryMissing(t *testing.T) {
	e := New(testConfig(filepath.Join(t.TempDir(), "nope")), newTestLogger(t))

	avail := e.Availability(context.Background())
	assert.Equal(t, models.EngineAmp, avail.EngineType)
	assert.False(t, avail.Installed)
	assert.Equal(t, "amp binary not found", avail.Error)
}

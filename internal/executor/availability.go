package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// DefaultProbeTimeout bounds a single availability probe.
const DefaultProbeTimeout = 10 * time.Second

// ProbeVersion runs an engine's version command under a timeout and
// returns the first line of its output.
func ProbeVersion(ctx context.Context, timeout time.Duration, program string, args ...string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, program, args...).Output()
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", program, err)
	}
	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = strings.TrimSpace(version[:i])
	}
	return version, nil
}

// DetectAuth reports credential status from environment keys or config
// files under the user home. Any matching env key or existing path counts
// as authenticated; a home lookup failure yields unknown rather than a
// false negative.
func DetectAuth(envKeys []string, homePaths []string) models.AuthStatus {
	for _, key := range envKeys {
		if os.Getenv(key) != "" {
			return models.AuthAuthenticated
		}
	}
	if len(homePaths) == 0 {
		return models.AuthUnauthenticated
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return models.AuthUnknown
	}
	for _, rel := range homePaths {
		if _, err := os.Stat(filepath.Join(home, rel)); err == nil {
			return models.AuthAuthenticated
		}
	}
	return models.AuthUnauthenticated
}

// LookPath resolves program on PATH, returning the empty string when it is
// not installed.
func LookPath(program string) string {
	path, err := exec.LookPath(program)
	if err != nil {
		return ""
	}
	return path
}

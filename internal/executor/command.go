// Package executor defines the engine executor contract: spawning coding
// agent subprocesses, composing their environment, and normalizing their
// output into the uniform log entry model.
package executor

import (
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// serverEnvPrefix marks server-internal variables that must never leak
// into a child environment.
const serverEnvPrefix = "ISSUEDECK_"

const (
	defaultTerm   = "xterm-256color"
	defaultLocale = "en_US.UTF-8"
)

// Command is the immutable description of one child invocation. It is
// built exactly once per spawn; the executor, not the process manager,
// composes the environment.
type Command struct {
	Program string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Exec materializes the command. The child is placed in its own process
// group so interrupts and kills reach the whole tree.
func (c Command) Exec() *exec.Cmd {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = EnvSlice(c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// SafeEnv composes a child environment: extra entries merged over base,
// blocklisted secrets and server-internal keys removed, interactive
// defaults set. The result is a fresh map, and reapplying SafeEnv to its
// own output yields the same environment.
func SafeEnv(base, extra map[string]string, blocklist []string) map[string]string {
	env := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}

	for _, key := range blocklist {
		delete(env, key)
	}
	for k := range env {
		if strings.HasPrefix(k, serverEnvPrefix) {
			delete(env, k)
		}
	}

	env["TERM"] = defaultTerm
	if env["LANG"] == "" {
		env["LANG"] = defaultLocale
	}
	if env["LC_ALL"] == "" {
		env["LC_ALL"] = defaultLocale
	}
	return env
}

// EnvironMap returns the current process environment as a map.
func EnvironMap() map[string]string {
	environ := os.Environ()
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// EnvSlice flattens an environment map into the sorted KEY=value form
// exec.Cmd expects.
func EnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Package sandbox runs tool commands as supervised child processes:
// argv-array invocation, an allowlisted command set, a hard timeout,
// and a fresh process group so a timed-out command's children die
// with it. It does NOT provide filesystem isolation — workflow tool
// steps and the bash tool run in the user's real environment on
// purpose (a personal agent that cannot see ~/.ssh is useless).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config tunes the sandbox.
type Config struct {
	WorkDir       string        // command working directory (default: $HOME)
	Timeout       time.Duration // hard per-command cap
	AllowedBins   []string      // command allowlist (basename match)
	EnableNetwork bool          // propagate proxy settings
	PythonEnv     string        // conda/venv root prepended to PATH
}

// DefaultConfig allows the command set a personal agent routinely
// needs: file inspection, dev tools, network probes, remote admin.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "/tmp/kestrel-sandbox"
	}
	return &Config{
		WorkDir: homeDir,
		Timeout: 30 * time.Second,
		AllowedBins: []string{
			"bash", "sh",
			"ls", "cat", "head", "tail", "grep", "awk", "sed",
			"find", "wc", "sort", "uniq", "cut", "tr",
			"cp", "mv", "rm", "mkdir", "touch", "chmod", "chown",
			"go", "python", "python3", "node", "npm", "npx",
			"git", "make", "cargo", "rustc",
			"pwd", "whoami", "date", "env", "echo", "printf", "file",
			"curl", "wget",
			"ssh", "scp", "ssh-keygen", "ssh-copy-id", "sshpass",
			"systemctl", "journalctl", "docker", "ping", "ip", "ss",
			"tar", "gzip", "unzip", "rsync",
		},
		EnableNetwork: true,
	}
}

// ProcessSandbox executes allowlisted commands under the config's
// limits. Safe for concurrent use; it keeps no per-command state.
type ProcessSandbox struct {
	cfg     *Config
	allowed map[string]bool
	logger  *zap.Logger
}

func NewProcessSandbox(cfg *Config, logger *zap.Logger) (*ProcessSandbox, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create work dir: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowedBins))
	for _, bin := range cfg.AllowedBins {
		allowed[bin] = true
	}
	return &ProcessSandbox{cfg: cfg, allowed: allowed, logger: logger}, nil
}

// Result is one finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Killed   bool // true when the timeout fired
}

// Execute runs command with argv-array args — values are never
// interpolated into a shell string, so there is nothing to escape.
func (s *ProcessSandbox) Execute(ctx context.Context, command string, args []string) (*Result, error) {
	if !s.allowed[filepath.Base(command)] && !s.allowed[command] {
		return nil, fmt.Errorf("sandbox: command %q is not allowed", command)
	}
	cmdPath, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("sandbox: command not found: %s", command)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cmdPath, args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.environment()
	// New process group: a kill on timeout takes the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	s.logger.Debug("sandbox: exec", zap.String("command", command), zap.Strings("args", args))
	runErr := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		s.logger.Warn("sandbox: command timed out",
			zap.String("command", command),
			zap.Duration("timeout", s.cfg.Timeout),
		)
		return result, fmt.Errorf("sandbox: command timed out after %v", s.cfg.Timeout)
	}

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("sandbox: execution failed: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// ExecuteShell runs a full shell command line via bash -c, for the
// one tool whose contract is "give me a shell".
func (s *ProcessSandbox) ExecuteShell(ctx context.Context, command string) (*Result, error) {
	return s.Execute(ctx, "bash", []string{"-c", command})
}

// environment builds the child's env: real HOME (ssh/config access is
// the point), system PATH with the Python env prepended, and proxy
// variables when networking is on.
func (s *ProcessSandbox) environment() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	if s.cfg.PythonEnv != "" {
		path = filepath.Join(s.cfg.PythonEnv, "bin") + ":" + path
	}

	home, _ := os.UserHomeDir()
	if home == "" {
		home = s.cfg.WorkDir
	}

	env := []string{
		"PATH=" + path,
		"HOME=" + home,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"USER=" + os.Getenv("USER"),
	}
	if s.cfg.PythonEnv != "" {
		env = append(env,
			"CONDA_PREFIX="+s.cfg.PythonEnv,
			"VIRTUAL_ENV="+s.cfg.PythonEnv,
		)
	}
	if s.cfg.EnableNetwork {
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
	}
	return env
}

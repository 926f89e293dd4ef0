package application

import (
	"context"
	"time"

	"github.com/kestrelrun/kestrel/internal/infrastructure/sandbox"
)

// SandboxToolRunner implements workflow.ToolRunner over
// ProcessSandbox (internal/infrastructure/sandbox), reusing its
// allowlisted-command execution instead of introducing a second
// subprocess launcher.
type SandboxToolRunner struct {
	sandbox *sandbox.ProcessSandbox
}

func NewSandboxToolRunner(sb *sandbox.ProcessSandbox) *SandboxToolRunner {
	return &SandboxToolRunner{sandbox: sb}
}

func (r *SandboxToolRunner) Run(ctx context.Context, command string, args []string, timeout time.Duration) (string, string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := r.sandbox.Execute(cctx, command, args)
	if err != nil {
		return "", "", err
	}
	return result.Stdout, result.Stderr, nil
}

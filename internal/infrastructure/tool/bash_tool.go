package tool

import (
	"context"
	"fmt"
	"strings"

	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"github.com/kestrelrun/kestrel/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// BashTool is the one tool that deliberately goes through a shell —
// that is its contract. It runs inside the process sandbox with its
// timeout and allowlist, never in the gateway's own environment.
type BashTool struct {
	sandbox *sandbox.ProcessSandbox
	logger  *zap.Logger
}

func NewBashTool(sb *sandbox.ProcessSandbox, logger *zap.Logger) *BashTool {
	return &BashTool{sandbox: sb, logger: logger}
}

func (t *BashTool) Name() string         { return "bash" }
func (t *BashTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *BashTool) Description() string {
	return `Execute a bash command in a sandboxed environment.
Constraints:
- Commands are killed at the sandbox timeout; a killed command reports a timeout error with exit_code -1 and killed=true.
- Avoid interactive or long-running commands (top, watch, tail -f).
- For network commands add explicit timeouts ('timeout 10', '-o ConnectTimeout=5').
- Prefer the dedicated file tools (read_file, write_file, grep_search) over shell equivalents.`
}

func (t *BashTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The bash command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return failure("command is required"), nil
	}
	if t.sandbox == nil {
		return failure("bash is unavailable: sandbox not initialized"), nil
	}

	t.logger.Info("bash tool", zap.String("command", command))

	result, err := t.sandbox.ExecuteShell(ctx, command)
	if err != nil {
		res := failure("%v", err)
		if result != nil {
			res.Output = result.Stderr
			res.Metadata = map[string]interface{}{
				"exit_code": result.ExitCode,
				"killed":    result.Killed,
			}
		}
		return res, nil
	}

	output := result.Stdout
	if result.Stderr != "" {
		output = strings.TrimSpace(output + "\n" + result.Stderr)
	}
	if output == "" {
		output = fmt.Sprintf("(no output, exit %d)", result.ExitCode)
	}
	return &Result{
		Output:  output,
		Success: result.ExitCode == 0,
		Metadata: map[string]interface{}{
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
		},
	}, nil
}

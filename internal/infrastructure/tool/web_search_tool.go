package tool

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"go.uber.org/zap"
)

const (
	webSearchTimeout  = 60 * time.Second
	webSearchMaxChars = 24000
)

// WebSearchTool bridges to the web-research skill script
// (~/.kestrel/skills/web-research/research.py), which searches via
// SearXNG and optionally deep-fetches the top results. The script is
// invoked argv-style with the configured Python environment.
type WebSearchTool struct {
	pythonBin  string
	scriptPath string
	logger     *zap.Logger
}

// NewWebSearchTool wires the tool against pythonEnv (conda/venv root,
// empty = python3 from PATH) and the skills directory.
func NewWebSearchTool(pythonEnv string, skillsDir string, logger *zap.Logger) *WebSearchTool {
	pythonBin := "python3"
	if pythonEnv != "" {
		pythonBin = filepath.Join(pythonEnv, "bin", "python3")
	}
	return &WebSearchTool{
		pythonBin:  pythonBin,
		scriptPath: filepath.Join(skillsDir, "web-research", "research.py"),
		logger:     logger,
	}
}

func (t *WebSearchTool) Name() string         { return "web_search" }
func (t *WebSearchTool) Kind() domaintool.Kind { return domaintool.KindSearch }
func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets as JSON. " +
		"Pass deep=true to also extract full article content; time_range filters by recency."
}

func (t *WebSearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"deep": map[string]interface{}{
				"type":        "boolean",
				"description": "Fetch full content of top results (slower, better for complex questions)",
			},
			"time_range": map[string]interface{}{
				"type":        "string",
				"description": "Recency filter",
				"enum":        []string{"", "day", "week", "month", "year"},
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return failure("query is required"), nil
	}

	argv := []string{t.scriptPath, query}
	deep, _ := args["deep"].(bool)
	if deep {
		argv = append(argv, "--deep")
	}
	if timeRange, ok := args["time_range"].(string); ok && timeRange != "" {
		argv = append(argv, "--"+timeRange)
	}

	t.logger.Info("web_search", zap.String("query", query), zap.Bool("deep", deep))

	execCtx, cancel := context.WithTimeout(ctx, webSearchTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.pythonBin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return failure("search timed out after %v", webSearchTimeout), nil
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		t.logger.Warn("web_search script failed", zap.String("stderr", detail))
		return failure("search failed: %s", detail), nil
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" || output == "[]" {
		return &Result{Output: "No results found for: " + query, Success: true}, nil
	}
	if len(output) > webSearchMaxChars {
		output = output[:webSearchMaxChars] + "\n... [truncated]"
	}
	return &Result{
		Output:  output,
		Success: true,
		Metadata: map[string]interface{}{"query": query, "deep": deep},
	}, nil
}

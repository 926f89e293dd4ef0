package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"go.uber.org/zap"
)

// Result and Kind are re-exported so the tool implementations read
// without the domaintool qualifier everywhere.
type Result = domaintool.Result
type Kind = domaintool.Kind

// The workspace file tools operate directly on the filesystem through
// the os package — no shell round trip, so there is nothing to quote
// and nothing to inject. Every path is resolved inside the workspace
// root; ".." escapes are rejected.

const (
	maxReadBytes   = 256 * 1024
	maxSearchHits  = 60
	maxListEntries = 200
)

// workspaceRoot resolves relPath inside root and rejects escapes.
func workspaceRoot(root, relPath string) (string, error) {
	if root == "" {
		root, _ = os.Getwd()
	}
	if relPath == "" {
		return "", fmt.Errorf("path is required")
	}
	joined := relPath
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(root, relPath)
	}
	cleaned := filepath.Clean(joined)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside the workspace", relPath)
	}
	return absPath, nil
}

func failure(format string, a ...interface{}) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, a...)}
}

func pathArg(args map[string]interface{}) (string, bool) {
	p, _ := args["path"].(string)
	return p, p != ""
}

// ─── read_file ───

type ReadFileTool struct {
	root   string
	logger *zap.Logger
}

func NewReadFileTool(root string, logger *zap.Logger) *ReadFileTool {
	return &ReadFileTool{root: root, logger: logger}
}

func (t *ReadFileTool) Name() string         { return "read_file" }
func (t *ReadFileTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Large files are truncated; pass start_line/end_line to read a slice."
}

func (t *ReadFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":       map[string]interface{}{"type": "string", "description": "Workspace-relative file path"},
			"start_line": map[string]interface{}{"type": "integer", "description": "1-based first line to include"},
			"end_line":   map[string]interface{}{"type": "integer", "description": "1-based last line to include"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rel, ok := pathArg(args)
	if !ok {
		return failure("path is required"), nil
	}
	path, err := workspaceRoot(t.root, rel)
	if err != nil {
		return failure("%v", err), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return failure("read %s: %v", rel, err), nil
	}

	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	content := string(data)

	if start, ok := args["start_line"].(float64); ok {
		lines := strings.Split(content, "\n")
		from := int(start) - 1
		to := len(lines)
		if end, ok := args["end_line"].(float64); ok && int(end) < to {
			to = int(end)
		}
		if from < 0 {
			from = 0
		}
		if from >= len(lines) {
			return failure("start_line %d beyond end of file (%d lines)", int(start), len(lines)), nil
		}
		content = strings.Join(lines[from:to], "\n")
	}

	if truncated {
		content += "\n... [truncated at 256 KB]"
	}
	return &Result{
		Output:  content,
		Success: true,
		Metadata: map[string]interface{}{"path": rel, "bytes": len(content)},
	}, nil
}

// ─── write_file ───

type WriteFileTool struct {
	root   string
	logger *zap.Logger
}

func NewWriteFileTool(root string, logger *zap.Logger) *WriteFileTool {
	return &WriteFileTool{root: root, logger: logger}
}

func (t *WriteFileTool) Name() string         { return "write_file" }
func (t *WriteFileTool) Kind() domaintool.Kind { return domaintool.KindEdit }
func (t *WriteFileTool) Description() string {
	return "Write content to a workspace file, creating it (and parent directories) if needed, overwriting if it exists."
}

func (t *WriteFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Workspace-relative file path"},
			"content": map[string]interface{}{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rel, ok := pathArg(args)
	if !ok {
		return failure("path is required"), nil
	}
	content, _ := args["content"].(string)
	path, err := workspaceRoot(t.root, rel)
	if err != nil {
		return failure("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure("create parent dirs for %s: %v", rel, err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failure("write %s: %v", rel, err), nil
	}
	t.logger.Info("workspace write", zap.String("path", rel), zap.Int("bytes", len(content)))
	return &Result{
		Output:  fmt.Sprintf("Wrote %d bytes to %s", len(content), rel),
		Success: true,
		Metadata: map[string]interface{}{"path": rel, "bytes": len(content)},
	}, nil
}

// ─── edit_file ───

type EditFileTool struct {
	root   string
	logger *zap.Logger
}

func NewEditFileTool(root string, logger *zap.Logger) *EditFileTool {
	return &EditFileTool{root: root, logger: logger}
}

func (t *EditFileTool) Name() string         { return "edit_file" }
func (t *EditFileTool) Kind() domaintool.Kind { return domaintool.KindEdit }
func (t *EditFileTool) Description() string {
	return "Replace one exact text occurrence in a workspace file. old_text must match exactly, including whitespace, and must appear exactly once."
}

func (t *EditFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string", "description": "Workspace-relative file path"},
			"old_text": map[string]interface{}{"type": "string", "description": "Exact text to find"},
			"new_text": map[string]interface{}{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rel, ok := pathArg(args)
	if !ok {
		return failure("path is required"), nil
	}
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if oldText == "" {
		return failure("old_text is required"), nil
	}

	path, err := workspaceRoot(t.root, rel)
	if err != nil {
		return failure("%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("read %s: %v", rel, err), nil
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case n == 0:
		return failure("old_text not found in %s", rel), nil
	case n > 1:
		return failure("old_text appears %d times in %s; provide more context to make it unique", n, rel), nil
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return failure("write %s: %v", rel, err), nil
	}
	return &Result{
		Output:  fmt.Sprintf("Edited %s (%+d bytes)", rel, len(updated)-len(content)),
		Success: true,
		Metadata: map[string]interface{}{"path": rel},
	}, nil
}

// ─── list_dir ───

type ListDirTool struct {
	root   string
	logger *zap.Logger
}

func NewListDirTool(root string, logger *zap.Logger) *ListDirTool {
	return &ListDirTool{root: root, logger: logger}
}

func (t *ListDirTool) Name() string         { return "list_dir" }
func (t *ListDirTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *ListDirTool) Description() string {
	return "List a workspace directory: entries with type and size, directories first."
}

func (t *ListDirTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Workspace-relative directory (\".\" for the root)"},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rel, ok := pathArg(args)
	if !ok {
		rel = "."
	}
	path, err := workspaceRoot(t.root, rel)
	if err != nil {
		return failure("%v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failure("list %s: %v", rel, err), nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	shown := 0
	for _, e := range entries {
		if shown >= maxListEntries {
			fmt.Fprintf(&b, "... and %d more entries\n", len(entries)-shown)
			break
		}
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else if info, err := e.Info(); err == nil {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
		shown++
	}
	return &Result{
		Output:  b.String(),
		Success: true,
		Metadata: map[string]interface{}{"path": rel, "entries": len(entries)},
	}, nil
}

// ─── grep_search ───

type SearchTool struct {
	root   string
	logger *zap.Logger
}

func NewSearchTool(root string, logger *zap.Logger) *SearchTool {
	return &SearchTool{root: root, logger: logger}
}

func (t *SearchTool) Name() string         { return "grep_search" }
func (t *SearchTool) Kind() domaintool.Kind { return domaintool.KindSearch }
func (t *SearchTool) Description() string {
	return "Search workspace files for a regular expression. Returns file:line matches, capped to keep output readable."
}

func (t *SearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string", "description": "Go regular expression"},
			"path":    map[string]interface{}{"type": "string", "description": "Subdirectory to search (default workspace root)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return failure("pattern is required"), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return failure("bad pattern: %v", err), nil
	}

	rel, _ := args["path"].(string)
	if rel == "" {
		rel = "."
	}
	base, err := workspaceRoot(t.root, rel)
	if err != nil {
		return failure("%v", err), nil
	}

	var b strings.Builder
	hits := 0
	walkErr := filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil || hits >= maxSearchHits {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxReadBytes {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || !utf8Like(data) {
			return nil
		}
		relPath, _ := filepath.Rel(base, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", relPath, i+1, strings.TrimSpace(line))
				hits++
				if hits >= maxSearchHits {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return failure("search: %v", walkErr), nil
	}

	if hits == 0 {
		return &Result{Output: "No matches", Success: true}, nil
	}
	out := b.String()
	if hits >= maxSearchHits {
		out += fmt.Sprintf("... capped at %d matches\n", maxSearchHits)
	}
	return &Result{
		Output:  out,
		Success: true,
		Metadata: map[string]interface{}{"pattern": pattern, "matches": hits},
	}, nil
}

// utf8Like filters binary files out of search results with a cheap
// NUL-byte probe over the head of the file.
func utf8Like(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, c := range probe {
		if c == 0 {
			return false
		}
	}
	return true
}

// ─── glob ───

type GlobTool struct {
	root   string
	logger *zap.Logger
}

func NewGlobTool(root string, logger *zap.Logger) *GlobTool {
	return &GlobTool{root: root, logger: logger}
}

func (t *GlobTool) Name() string         { return "glob" }
func (t *GlobTool) Kind() domaintool.Kind { return domaintool.KindSearch }
func (t *GlobTool) Description() string {
	return "Find workspace files by name pattern, e.g. \"*.md\" or \"notes/*.txt\". Matches file names anywhere under the workspace."
}

func (t *GlobTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string", "description": "File name pattern (path.Match syntax)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return failure("pattern is required"), nil
	}

	base, err := workspaceRoot(t.root, ".")
	if err != nil {
		return failure("%v", err), nil
	}

	var found []string
	_ = filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil || len(found) >= maxListEntries {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, _ := filepath.Rel(base, p)
		if ok, _ := filepath.Match(pattern, relPath); ok {
			found = append(found, relPath)
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			found = append(found, relPath)
		}
		return nil
	})

	if len(found) == 0 {
		return &Result{Output: "No files found matching pattern", Success: true}, nil
	}
	return &Result{
		Output:  strings.Join(found, "\n"),
		Success: true,
		Metadata: map[string]interface{}{"pattern": pattern, "count": len(found)},
	}, nil
}

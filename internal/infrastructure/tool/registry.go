package tool

import (
	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"github.com/kestrelrun/kestrel/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// ToolLayerDeps aggregates the external dependencies of the tool layer.
// This is the single configuration point for the entire tool subsystem.
type ToolLayerDeps struct {
	// Required
	Registry domaintool.Registry
	Logger   *zap.Logger

	// Workspace is the root the file tools are confined to. Empty
	// falls back to the process working directory.
	Workspace string

	// Infrastructure
	Sandbox *sandbox.ProcessSandbox // nil = bash tool reports unavailable

	// Paths
	PythonEnv string // conda/venv path for the web_search skill script
	SkillsDir string // ~/.kestrel/skills

	// Media (nil = media tools not registered, e.g. CLI mode)
	MediaSender MediaSender
}

// RegisterAllTools registers the tool layer in one place. The Telegram
// media tools are the exception: App.initInterfaces passes no
// MediaSender here and registers send_photo and send_document itself
// once the adapter exists. The registered set doubles as the
// capability manifest the context assembler advertises in the system
// prompt, and the TOOL_CALL marker path executes against it.
//
// Registration order:
//  1. Workspace file operations (bash, read, write, edit, list, grep, glob)
//  2. Web (web_fetch, web_search)
//  3. Agent capabilities (save_memory)
//  4. Media (send_photo, send_document — channel adapters only)
func RegisterAllTools(deps ToolLayerDeps) int {
	ws := deps.Workspace
	tools := []domaintool.Tool{
		NewBashTool(deps.Sandbox, deps.Logger),
		NewReadFileTool(ws, deps.Logger),
		NewWriteFileTool(ws, deps.Logger),
		NewEditFileTool(ws, deps.Logger),
		NewListDirTool(ws, deps.Logger),
		NewSearchTool(ws, deps.Logger),
		NewGlobTool(ws, deps.Logger),

		NewWebFetchTool(deps.Logger),
		NewWebSearchTool(deps.PythonEnv, deps.SkillsDir, deps.Logger),

		NewSaveMemoryTool(deps.Logger),
	}

	if deps.MediaSender != nil {
		tools = append(tools,
			NewSendPhotoTool(deps.MediaSender, deps.Logger),
			NewSendDocumentTool(deps.MediaSender, deps.Logger),
		)
	}

	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			registered++
		}
	}

	deps.Logger.Info("Tool layer initialized",
		zap.Int("total_registered", registered),
	)

	return registered
}

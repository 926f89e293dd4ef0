package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelrun/kestrel/internal/domain/repository"
	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"github.com/kestrelrun/kestrel/internal/infrastructure/config"
	"github.com/kestrelrun/kestrel/internal/infrastructure/eventbus"
	"github.com/kestrelrun/kestrel/internal/infrastructure/monitoring"
	"github.com/kestrelrun/kestrel/internal/infrastructure/persistence"
	"github.com/kestrelrun/kestrel/internal/infrastructure/prompt"
	"github.com/kestrelrun/kestrel/internal/infrastructure/sandbox"
	toolpkg "github.com/kestrelrun/kestrel/internal/infrastructure/tool"
	"github.com/kestrelrun/kestrel/internal/interfaces/ipc"
	"github.com/kestrelrun/kestrel/internal/interfaces/telegram"
	"github.com/kestrelrun/kestrel/internal/domain/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层 — messages is the audit trail Core persists turns into;
	// see Core.persistTurn.
	messageRepo repository.MessageRepository

	// 基础设施
	toolRegistry    domaintool.Registry
	telegramAdapter *telegram.Adapter
	ipcServer       *ipc.Server
	sandbox         *sandbox.ProcessSandbox

	// Prompt 引擎
	promptEngine *prompt.PromptEngine

	// Core is the personal-agent pipeline: Work Queue, Cron
	// Scheduler, Workflow Engine, LLM CLI Adapter, Intent Router,
	// Context Assembler/Gate, Memory Index, Outcome Tracker. It is the
	// inbound-message entry point for the Telegram and REPL channels;
	// the IPC surface reads and drives its crons/workflows/goals.
	core *Core

	// deliverer backs the lazyDeliverer the cron scheduler and workflow
	// engine are wired against during initCore, before initInterfaces
	// has built a channel adapter. It starts as a no-op and is
	// replaced once a real channel (Telegram) comes up.
	deliverer *Deliverer

	// eventBus carries cron/workflow transition events
	// from the domain layer to whatever subscribes — currently the IPC
	// server's websocket push.
	eventBus *eventbus.InMemoryBus

	// heartbeat is an optional standing job that re-reads a
	// workspace HEARTBEAT.md on a fixed interval and runs each line as
	// a one-shot LLM prompt, delivering the reply through the same
	// Deliverer the cron scheduler uses. Disabled unless
	// config.Heartbeat.Enabled.
	heartbeat *service.HeartbeatService

	// monitor tracks queue/LLM/tool metrics for the IPC /status and
	// /metrics endpoints.
	monitor *monitoring.Monitor
}

// Core exposes the wired personal-agent pipeline so interfaces
// packages (telegram, http, cli) can route messages to it.
func (app *App) Core() *Core {
	return app.core
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.kestrel/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initCore(); err != nil {
		return nil, fmt.Errorf("failed to init core pipeline: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Only initializes: DB (silent), Tools, PromptEngine, Core.
// Skips: Telegram adapter, IPC surface.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// DB with silent logging (no SQL spam)
	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initCore(); err != nil {
		return nil, fmt.Errorf("failed to init core pipeline: %w", err)
	}

	// No initInterfaces (Telegram/IPC) — CLI doesn't need servers
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.messageRepo = persistence.NewGormMessageRepository(db)

	return nil
}

// initRepositoriesSilent initializes repos with silent DB logging (for CLI mode)
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.messageRepo = persistence.NewGormMessageRepository(db)
	return nil
}

// initInfrastructure 初始化基础设施 — tool registry (for the Persona
// capability manifest Core's Context Assembler reads), sandbox,
// prompt engine.
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.monitor = monitoring.NewMonitor(app.logger)
	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".kestrel", "skills")

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}
	app.sandbox = sbx

	// ── Unified Tool Registration ──
	// The registered set serves two roles: the capability manifest the
	// Persona adapter (internal/application/persona_adapter.go)
	// advertises in the assembled system prompt, and the executable
	// target of TOOL_CALL markers (Core's registryToolInvoker). The
	// LLM CLI subprocess runs its own internal tools; these are the
	// host-side ones it can reach by marker.
	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:  app.toolRegistry,
		Workspace: app.config.Agent.Workspace,
		Sandbox:   sbx,
		PythonEnv: app.config.PythonEnv,
		SkillsDir: systemSkillsDir,
		Logger:    app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// initInterfaces 初始化接口层 — Telegram channel adapter (routes every
// inbound message to Core.HandleInboundMessage) and the loopback IPC
// surface.
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	if app.config.Telegram.BotToken != "" {
		var err error
		app.telegramAdapter, err = telegram.NewAdapter(
			&telegram.Config{
				BotToken:       app.config.Telegram.BotToken,
				AllowedUserIDs: app.config.Telegram.AllowIDs,
				DMPolicy:       app.config.Telegram.DMPolicy,
				GroupPolicy:    app.config.Telegram.GroupPolicy,
				GroupAllowFrom: app.config.Telegram.GroupAllowFrom,
			},
			app.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create telegram adapter: %w", err)
		}

		if app.deliverer != nil {
			var d Deliverer = &telegramDeliverer{adapter: app.telegramAdapter}
			*app.deliverer = d
		}

		// Register media tools (TG-only, delayed because adapter created here)
		app.toolRegistry.Register(toolpkg.NewSendPhotoTool(app.telegramAdapter, app.logger))
		app.toolRegistry.Register(toolpkg.NewSendDocumentTool(app.telegramAdapter, app.logger))
		app.logger.Info("Registered TG media tools (send_photo, send_document)")

		sessionManager := telegram.NewDefaultSessionManager(app.config.Agent.DefaultModel)
		if len(app.config.Agent.Models) > 0 {
			models := make([]telegram.ModelInfo, len(app.config.Agent.Models))
			for i, m := range app.config.Agent.Models {
				models[i] = telegram.ModelInfo{
					ID:          m.ID,
					Alias:       m.Alias,
					Provider:    m.Provider,
					Description: m.Description,
				}
			}
			sessionManager.SetAvailableModels(models)
		}

		cmdRegistry := telegram.NewCommandRegistry()
		cmdRegistry.SetSessionManager(sessionManager)
		app.telegramAdapter.RegisterBuiltinCommands(cmdRegistry)
		app.telegramAdapter.SetCommandRegistry(cmdRegistry)

		msgHandler := &coreMessageHandler{
			core:      app.core,
			tgAdapter: app.telegramAdapter,
			media:     telegram.NewMediaProcessor(app.logger),
			logger:    app.logger,
		}
		app.telegramAdapter.SetMessageHandler(msgHandler)
		cmdRegistry.SetHistoryClearer(msgHandler)
		cmdRegistry.SetRunController(msgHandler)
		cmdRegistry.SetCronLister(msgHandler)
		app.telegramAdapter.SetRunController(msgHandler)

		app.logger.Info("Telegram adapter initialized with command registry and session manager")
	} else {
		app.logger.Warn("Telegram bot token not configured, skipping telegram adapter")
	}

	if app.core != nil {
		ipcServer, err := ipc.New(app.core.IPCDeps(), ipc.DefaultPortFilePath())
		if err != nil {
			app.logger.Warn("IPC surface init failed, continuing without it", zap.Error(err))
		} else {
			app.ipcServer = ipcServer
		}
	}

	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if app.telegramAdapter != nil {
		if err := app.telegramAdapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telegram adapter: %w", err)
		}
	}

	if app.promptEngine != nil {
		if err := app.promptEngine.Watch(ctx); err != nil {
			app.logger.Warn("Prompt hot-reload unavailable", zap.Error(err))
		}
	}

	if app.core != nil {
		if err := app.core.Start(ctx); err != nil {
			return fmt.Errorf("failed to start core pipeline: %w", err)
		}
	}

	if app.ipcServer != nil {
		if err := app.ipcServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start ipc surface: %w", err)
		}
	}

	if app.heartbeat != nil {
		if err := app.heartbeat.Start(); err != nil {
			return fmt.Errorf("failed to start heartbeat: %w", err)
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.heartbeat != nil {
		app.heartbeat.Stop()
	}

	if app.telegramAdapter != nil {
		app.telegramAdapter.Stop()
	}

	if app.ipcServer != nil {
		if err := app.ipcServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop IPC surface", zap.Error(err))
		}
	}

	if app.core != nil {
		app.core.Stop(ctx)
	}

	if app.eventBus != nil {
		app.eventBus.Close()
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// PromptEngine returns the prompt engine (used by CLI/TUI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by CLI/TUI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

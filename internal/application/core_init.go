package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	domaincontext "github.com/kestrelrun/kestrel/internal/domain/context"
	"github.com/kestrelrun/kestrel/internal/domain/cron"
	"github.com/kestrelrun/kestrel/internal/domain/memory"
	"github.com/kestrelrun/kestrel/internal/domain/queue"
	"github.com/kestrelrun/kestrel/internal/domain/service"
	"github.com/kestrelrun/kestrel/internal/domain/workflow"
	"github.com/kestrelrun/kestrel/internal/infrastructure/config"
	"github.com/kestrelrun/kestrel/internal/infrastructure/embedding"
	"github.com/kestrelrun/kestrel/internal/infrastructure/eventbus"
	"github.com/kestrelrun/kestrel/internal/infrastructure/llmcli"
	"github.com/kestrelrun/kestrel/internal/infrastructure/memorycache"
	"github.com/kestrelrun/kestrel/internal/infrastructure/persistence"
	"github.com/kestrelrun/kestrel/internal/infrastructure/vectorstore"
	"github.com/kestrelrun/kestrel/internal/interfaces/telegram"
)

// noopDeliverer is used in CLI mode and any mode where no channel
// adapter is available yet; crons/workflows still run, their
// announce/ask calls just have nowhere to land.
type noopDeliverer struct {
	logger *zap.Logger
}

func (d *noopDeliverer) Deliver(ctx context.Context, submitterKey, text string) error {
	if d.logger != nil {
		d.logger.Debug("core: dropped delivery, no channel adapter wired",
			zap.String("submitter", submitterKey))
	}
	return nil
}

// telegramDeliverer adapts the Telegram adapter's SendMessage to
// Deliverer. submitterKey is the chat id rendered as a decimal string
// (how Core.HandleInboundMessage's callers key a Telegram chat).
type telegramDeliverer struct {
	adapter *telegram.Adapter
}

func (d *telegramDeliverer) Deliver(ctx context.Context, submitterKey, text string) error {
	chatID, err := strconv.ParseInt(submitterKey, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram deliverer: submitter key %q is not a chat id: %w", submitterKey, err)
	}
	return d.adapter.SendMessage(&telegram.OutgoingMessage{ChatID: chatID, Text: text})
}

// initCore wires the personal-agent pipeline: the Work
// Queue, Cron Scheduler, Workflow Engine, Memory Index, Context Gate
// and Assembler, and Outcome Tracker, all behind Core. It runs after
// initRepositories and initInfrastructure (needs app.db, app.promptEngine, app.sandbox)
// and is deliberately tolerant of a not-yet-created Telegram adapter:
// the Deliverer it wires defaults to a no-op and is replaced once
// initInterfaces has built the real channel adapter.
func (app *App) initCore() error {
	app.logger.Info("Initializing core pipeline")

	cc := app.config.Core
	llmCfg := llmcli.Config{
		Command:           cc.LLMCLICommand,
		BaseArgs:          cc.LLMCLIArgs,
		WorkDir:           cc.LLMCLIWorkDir,
		AbsoluteTimeout:   cc.AbsoluteTimeout,
		InactivityTimeout: cc.InactivityTimeout,
	}
	if llmCfg.Command == "" {
		llmCfg.Command = app.config.Agent.DefaultModel
	}

	work := queue.New(queue.Config{
		MaxConcurrent:   cc.MaxConcurrent,
		MaxQueuePerUser: cc.MaxQueuePerUser,
	}, app.logger)

	cronStore := persistence.NewGormCronStore(app.db)
	outcomeRepo := persistence.NewGormOutcomeRepository(app.db)
	outcomeTracker := service.NewOutcomeTracker(outcomeRepo, app.logger)

	deliverer := Deliverer(&noopDeliverer{logger: app.logger})
	app.deliverer = &deliverer

	app.eventBus = eventbus.NewInMemoryBus(app.logger, 256)

	cronSched := cron.New(cron.Config{
		Runner:    NewCronLLMRunner(llmCfg, app.logger),
		Announcer: &cronDeliveryBridge{deliverer: &lazyDeliverer{app: app}, outcome: outcomeTracker},
		Alerter:   &cronDeliveryBridge{deliverer: &lazyDeliverer{app: app}, outcome: outcomeTracker},
		Store:     cronStore,
		Work:      work,
		QuietHours: cron.QuietHours{
			Start: cc.QuietHoursStart,
			End:   cc.QuietHoursEnd,
		},
		Logger: app.logger,
		Events: app.eventBus,
	})

	wfDir := filepath.Join(config.HomeDir(), "workflows")
	wfStore, err := workflow.NewFileStore(wfDir)
	if err != nil {
		return fmt.Errorf("workflow store: %w", err)
	}
	wfEngine := workflow.New(workflow.Deps{
		Store:  wfStore,
		Work:   work,
		LLM:    NewWorkflowLLMCaller(llmCfg, app.logger),
		Tools:  NewSandboxToolRunner(app.sandbox),
		Asker:  &workflowAsker{deliverer: &lazyDeliverer{app: app}, outcome: outcomeTracker, store: wfStore},
		Logger: app.logger,
		Events: app.eventBus,
	})

	memIndex, err := app.buildMemoryIndex()
	if err != nil {
		return fmt.Errorf("memory index: %w", err)
	}

	ceiling := cc.ContextCeilingTokens
	gate := domaincontext.NewGate(domaincontext.DefaultGateConfig(ceiling), nil)
	goalRepo := persistence.NewGormGoalRepository(app.db)
	toolNames := make([]string, 0)
	toolSummaries := make(map[string]string)
	for _, d := range app.toolRegistry.List() {
		toolNames = append(toolNames, d.Name)
		toolSummaries[d.Name] = d.Description
	}
	assembler := domaincontext.NewAssembler(
		NewPersonaAdapter(app.promptEngine, toolNames, toolSummaries),
		NewGoalsAdapter(goalRepo),
		memIndex,
		gate,
	)

	app.core = NewCore(CoreDeps{
		Logger:        app.logger,
		Work:          work,
		Cron:          cronSched,
		CronStore:     cronStore,
		Workflow:      wfEngine,
		WorkflowStore: wfStore,
		Assembler:     assembler,
		Outcome:       outcomeTracker,
		LLMConfig:     llmCfg,
		Ceiling:       ceiling,
		Goals:         goalRepo,
		Messages:      app.messageRepo,
		Deliverer:     &lazyDeliverer{app: app},
		Tools:         NewRegistryToolInvoker(app.toolRegistry),
		Files:         &lazyFileSender{app: app},
		Ops:           persistence.NewGormOpsLog(app.db),
		Events:        app.eventBus,
		Monitor:       app.monitor,
	})

	app.heartbeat = app.buildHeartbeat(llmCfg)

	return nil
}

// buildHeartbeat wires the optional HEARTBEAT.md standing job against
// the same one-shot LLM caller the workflow engine's llm steps use and the lazy
// Deliverer (so it picks up the real Telegram adapter once
// initInterfaces builds one). Returns nil when disabled, so App.Start
// can unconditionally check for nil rather than checking Enabled twice.
func (app *App) buildHeartbeat(llmCfg llmcli.Config) *service.HeartbeatService {
	hc := app.config.Heartbeat
	if !hc.Enabled {
		return nil
	}

	caller := NewWorkflowLLMCaller(llmCfg, app.logger)
	deliverer := &lazyDeliverer{app: app}
	submitterKey := strconv.FormatInt(hc.ChatID, 10)

	hb := service.NewHeartbeatService(service.HeartbeatConfig{
		FilePath: hc.FilePath,
		Interval: time.Duration(hc.Interval) * time.Minute,
		ChatID:   hc.ChatID,
		Enabled:  hc.Enabled,
	}, app.logger)

	hb.SetExecutor(func(ctx context.Context, chatID int64, command string) (string, error) {
		reply, _, err := caller.CallOneShot(ctx, command)
		if err != nil {
			return "", err
		}
		if reply != "" {
			if dErr := deliverer.Deliver(ctx, submitterKey, reply); dErr != nil {
				app.logger.Warn("heartbeat: delivery failed", zap.Error(dErr), zap.Int64("chat_id", chatID))
			}
		}
		return reply, nil
	})

	return hb
}

// buildMemoryIndex wires the Memory Index against
// LanceDB + Ollama when memory is enabled and reachable, falling back
// to the in-process store/embedder so the pipeline still runs on a
// machine without those services configured.
func (app *App) buildMemoryIndex() (*memory.Index, error) {
	mc := app.config.Memory
	goalRepo := persistence.NewGormGoalRepository(app.db)

	var store memory.VectorStore
	var embedder memory.EmbeddingProvider

	if mc.Enabled && mc.StoreType == "lancedb" {
		const dimension = 1024
		lanceStore, err := vectorstore.NewLanceDBVectorStore(mc.StorePath, dimension, app.logger)
		if err != nil {
			app.logger.Warn("LanceDB store init failed, falling back to in-memory store", zap.Error(err))
			store = memory.NewInMemoryVectorStore()
		} else {
			store = lanceStore
		}

		ollama, err := embedding.NewOllamaEmbedder(mc.OllamaURL, mc.EmbedModel, app.logger)
		if err != nil {
			app.logger.Warn("Ollama embedder init failed, falling back to simple embedder", zap.Error(err))
			embedder = memory.NewSimpleEmbedder(dimension)
		} else {
			embedder = ollama
		}
	} else {
		store = memory.NewInMemoryVectorStore()
		embedder = memory.NewSimpleEmbedder(256)
	}

	goalMemories := NewGoalMemoriesAdapter(goalRepo, store, embedder)
	intentions := NewCronIntentionsAdapter(persistence.NewGormCronStore(app.db))
	idx := memory.NewIndex(store, embedder, intentions, goalMemories, NewMemoryNotesAdapter())

	if mc.Redis.Enabled {
		goalCache, err := memorycache.NewRedisGoalCache(mc.Redis, app.logger)
		if err != nil {
			app.logger.Warn("Redis goal cache init failed, using in-process cache", zap.Error(err))
		}
		mentionStore, err := memorycache.NewRedisMentionStore(mc.Redis, app.logger)
		if err != nil {
			app.logger.Warn("Redis mention store init failed, using in-process table", zap.Error(err))
		}
		idx.WithExternalCache(goalCache, mentionStore)
	}

	return idx, nil
}

// lazyDeliverer indirects through app.deliverer so cron/workflow
// collaborators built during initCore (before initInterfaces creates
// the Telegram adapter) pick up the real Deliverer once it exists.
type lazyDeliverer struct {
	app *App
}

func (l *lazyDeliverer) Deliver(ctx context.Context, submitterKey, text string) error {
	if l.app.deliverer == nil || *l.app.deliverer == nil {
		return nil
	}
	return (*l.app.deliverer).Deliver(ctx, submitterKey, text)
}

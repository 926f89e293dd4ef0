package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Command Telegram 命令
type Command struct {
	Name    string   // 命令名 (不含 /)
	Args    []string // 参数列表
	RawArgs string   // 原始参数字符串
	ChatID  int64
	UserID  int64
}

// CommandHandler 命令处理器
type CommandHandler func(ctx context.Context, cmd *Command) (*OutgoingMessage, error)

// SessionManager 会话管理接口
type SessionManager interface {
	CreateSession(chatID int64, userID int64) error
	ClearSession(chatID int64) error
	GetCurrentModel(chatID int64) string
	SetModel(chatID int64, model string) error
	GetAvailableModels() []ModelInfo
}

// HistoryClearer 对话历史清除接口 — 允许命令层清除核心管线的会话状态
type HistoryClearer interface {
	ClearHistory(chatID int64)
}

// CronLister 定时任务查询接口 — /crons 命令展示当前任务表
type CronLister interface {
	ListCrons(ctx context.Context) (string, error)
}

// ModelInfo 模型信息
type ModelInfo struct {
	ID          string // 模型 ID (如 "antigravity/gemini-3-flash")
	Alias       string // 别名 (如 "Flash")
	Provider    string // 提供商
	Description string // 描述
}

// CommandRegistry 命令注册表
type CommandRegistry struct {
	handlers       map[string]CommandHandler
	aliases        map[string]string
	sessionManager SessionManager
	runController  RunController
	historyClearer HistoryClearer
	cronLister     CronLister
	mu             sync.RWMutex
}

// NewCommandRegistry 创建命令注册表
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
		aliases:  make(map[string]string),
	}
}

// SetSessionManager 设置会话管理器
func (r *CommandRegistry) SetSessionManager(sm SessionManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionManager = sm
}

// SetRunController 设置运行控制器
func (r *CommandRegistry) SetRunController(ctrl RunController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runController = ctrl
}

// SetHistoryClearer 设置对话历史清除器
func (r *CommandRegistry) SetHistoryClearer(hc HistoryClearer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyClearer = hc
}

// SetCronLister 设置定时任务查询器
func (r *CommandRegistry) SetCronLister(cl CronLister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cronLister = cl
}

// Register 注册命令
func (r *CommandRegistry) Register(name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = handler
}

// Alias 注册命令别名
func (r *CommandRegistry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(alias)] = strings.ToLower(target)
}

// Handle 处理命令
func (r *CommandRegistry) Handle(ctx context.Context, cmd *Command) (*OutgoingMessage, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.ToLower(cmd.Name)

	// 检查别名
	if target, ok := r.aliases[name]; ok {
		name = target
	}

	handler, exists := r.handlers[name]
	if !exists {
		return nil, false, nil
	}

	response, err := handler(ctx, cmd)
	return response, true, err
}

// ParseCommand 解析命令
func ParseCommand(text string) *Command {
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	// 移除 @ 后缀 (群组中的 /cmd@botname)
	parts := strings.SplitN(text[1:], " ", 2)
	cmdPart := parts[0]
	if idx := strings.Index(cmdPart, "@"); idx != -1 {
		cmdPart = cmdPart[:idx]
	}

	cmd := &Command{
		Name: cmdPart,
	}

	if len(parts) > 1 {
		cmd.RawArgs = parts[1]
		cmd.Args = strings.Fields(parts[1])
	}

	return cmd
}

// RegisterBuiltinCommands 注册内置命令
func (a *Adapter) RegisterBuiltinCommands(r *CommandRegistry) {
	// /new — 新对话: 清除核心管线会话 + 频道侧会话
	r.Register("new", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if r.historyClearer != nil {
			r.historyClearer.ClearHistory(cmd.ChatID)
		}
		if r.sessionManager != nil {
			_ = r.sessionManager.ClearSession(cmd.ChatID)
		}
		return &OutgoingMessage{ChatID: cmd.ChatID, Text: "✨ 新对话已开始"}, nil
	})
	r.Alias("clear", "new")
	r.Alias("reset", "new")

	// /stop — 中止当前运行
	r.Register("stop", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if r.runController != nil && r.runController.AbortRun(cmd.ChatID) {
			return &OutgoingMessage{ChatID: cmd.ChatID, Text: "⏹ 已中止当前运行"}, nil
		}
		return &OutgoingMessage{ChatID: cmd.ChatID, Text: "当前没有运行中的任务"}, nil
	})

	// /status — 当前状态
	r.Register("status", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		var b strings.Builder
		b.WriteString("📊 当前状态\n")
		if r.sessionManager != nil {
			fmt.Fprintf(&b, "模型: %s\n", r.sessionManager.GetCurrentModel(cmd.ChatID))
		}
		if r.runController != nil {
			fmt.Fprintf(&b, "运行: %s\n", r.runController.GetRunState(cmd.ChatID))
		}
		return &OutgoingMessage{ChatID: cmd.ChatID, Text: b.String()}, nil
	})

	// /models — 列出/切换模型
	r.Register("models", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if r.sessionManager == nil {
			return &OutgoingMessage{ChatID: cmd.ChatID, Text: "模型管理未启用"}, nil
		}
		if len(cmd.Args) > 0 {
			if err := r.sessionManager.SetModel(cmd.ChatID, cmd.Args[0]); err != nil {
				return &OutgoingMessage{ChatID: cmd.ChatID, Text: "❌ " + err.Error()}, nil
			}
			return &OutgoingMessage{ChatID: cmd.ChatID, Text: "🤖 已切换到: " + cmd.Args[0]}, nil
		}
		var b strings.Builder
		b.WriteString("🤖 可用模型:\n")
		for _, m := range r.sessionManager.GetAvailableModels() {
			fmt.Fprintf(&b, "• %s (%s)\n", m.Alias, m.ID)
		}
		fmt.Fprintf(&b, "\n当前: %s\n用 /models <id> 切换", r.sessionManager.GetCurrentModel(cmd.ChatID))
		return &OutgoingMessage{ChatID: cmd.ChatID, Text: b.String()}, nil
	})
	r.Alias("model", "models")

	// /crons — 定时任务列表
	r.Register("crons", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if r.cronLister == nil {
			return &OutgoingMessage{ChatID: cmd.ChatID, Text: "定时任务未启用"}, nil
		}
		summary, err := r.cronLister.ListCrons(ctx)
		if err != nil {
			return nil, err
		}
		return &OutgoingMessage{ChatID: cmd.ChatID, Text: "⏰ 定时任务\n" + summary}, nil
	})
	r.Alias("cron", "crons")

	// /help — 帮助
	r.Register("help", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		help := strings.Join([]string{
			"❓ 可用命令:",
			"/new — 新对话",
			"/stop — 中止当前运行",
			"/status — 当前状态",
			"/models — 列出或切换模型",
			"/crons — 定时任务列表",
			"直接发消息即可对话; 说 \"每天9点提醒我...\" 可创建定时任务",
		}, "\n")
		return &OutgoingMessage{ChatID: cmd.ChatID, Text: help}, nil
	})
	r.Alias("start", "help")
}

// SetCommandRegistry 设置命令注册表
func (a *Adapter) SetCommandRegistry(registry *CommandRegistry) {
	a.commandRegistry = registry
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "kestrel"

// WorkspaceDirName is the directory name used for workspace-level config.
// Place .kestrel/ in a project root for project-specific overrides.
const WorkspaceDirName = "." + AppName

// HomeDir returns the user's Kestrel configuration home: ~/.kestrel
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.kestrel directory exists with all default content.
// Called once at startup. Safe to call multiple times — only creates missing items.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	// Directory tree
	dirs := []string{
		root,
		filepath.Join(root, "prompts"),
		filepath.Join(root, "prompts", "variants"),
		filepath.Join(root, "skills"),
		filepath.Join(root, "modules"),
		filepath.Join(root, "memory"),
		filepath.Join(root, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// Default files — only written if they don't already exist (never overwrite user edits)
	defaults := map[string]string{
		filepath.Join(root, "config.yaml"):                     defaultConfig,
		filepath.Join(root, "soul.md"):                         defaultSoul,
		filepath.Join(root, "prompts", "rules.md"):             defaultRules,
		filepath.Join(root, "prompts", "capabilities.md"):      defaultCapabilities,
		filepath.Join(root, "prompts", "coding.md"):            defaultCoding,
		filepath.Join(root, "prompts", "scheduling.md"):        defaultScheduling,
		filepath.Join(root, "prompts", "variants", "qwen.md"):  defaultVariantQwen,
		filepath.Join(root, "prompts", "variants", "default.md"): defaultVariantDefault,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue // Already exists, skip
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("Kestrel bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("Kestrel home directory OK", zap.String("home", root))
	}

	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default file contents
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# Kestrel Configuration / Kestrel 配置文件
# Auto-generated on first launch — feel free to edit
# 首次启动自动生成 — 可自由编辑
# Docs: https://github.com/kestrelrun/kestrel/blob/main/docs/USER_MANUAL.md
# ═══════════════════════════════════════════════════════════════

# ─── Telegram Bot / Telegram 机器人 ──────────────────────────
# Leave bot_token empty to disable Telegram interface.
# bot_token 为空则不启用 Telegram 接口。
telegram:
  bot_token: ""                # Get from @BotFather / 从 @BotFather 获取
  allow_ids: []                # Allowed user IDs / 允许的用户 ID 列表
  mode: polling                # only polling is implemented
  dm_policy: allowlist         # allowlist | open
  group_policy: allowlist      # allowlist | open

# ─── Database / 数据库 ───────────────────────────────────────
# Conversation history, crons, goals, reply outcomes.
# 会话历史、定时任务、目标、回复反馈存储。
database:
  type: sqlite                 # sqlite | postgres
  dsn: kestrel.db              # File path (sqlite) or connection string (postgres)

# ─── Logging / 日志 ──────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: console              # console | json

# ─── Core Pipeline / 核心管线 ────────────────────────────────
# The LLM CLI subprocess, work queue, quiet hours, context ceiling.
# LLM CLI 子进程、工作队列、免打扰时段、上下文上限。
core:
  llm_cli_command: claude      # LLM CLI binary on PATH / PATH 中的 LLM CLI
  llm_cli_args: []             # Extra args / 额外参数
  absolute_timeout: 900s       # Hard per-call cap / 单次调用硬上限
  inactivity_timeout: 120s     # No-output watchdog / 无输出看门狗
  max_concurrent: 4            # Global in-flight cap / 全局并发上限
  max_queue_per_user: 10       # Per-user backlog cap / 单用户排队上限
  quiet_hours_start: 22        # Announce silenced from / 免打扰开始 (小时)
  quiet_hours_end: 8           # ...until / 免打扰结束 (小时)
  context_ceiling_tokens: 150000

# ─── Agent / 模型与工作目录 ──────────────────────────────────
agent:
  default_model: ""            # e.g. "claude-sonnet" — passed to the LLM CLI
  workspace: ""                # Default workspace dir / 默认工作目录 (空=当前目录)
  runtime:
    tool_timeout: 30s          # Single tool timeout / 单次工具超时

# ─── Heartbeat / 心跳任务 ────────────────────────────────────
# Re-reads HEARTBEAT.md on an interval and runs each line as a prompt.
# 按间隔重读 HEARTBEAT.md 并将每行作为一次性提示词执行。
heartbeat:
  enabled: false
  file_path: ""                # Path to HEARTBEAT.md
  interval: 30                 # Minutes between runs / 运行间隔(分钟)
  chat_id: 0                   # Delivery target / 投递目标 Chat ID

# ─── Long-term Memory / 长期记忆 ─────────────────────────────
# Vector-based memory for cross-conversation recall.
# 基于向量的跨会话记忆（需要 Ollama 提供嵌入服务）。
memory:
  enabled: false               # Enable memory system / 启用记忆系统
  ollama_url: ""               # Ollama API URL / Ollama 服务地址
  embed_model: ""              # Embedding model name / 嵌入模型名
  store_path: "~/.kestrel/memory/lancedb"
  store_type: "lancedb"        # lancedb (default)
  redis:
    enabled: false             # Goal cache + mention boost / 目标缓存与提及加权
    addr: "127.0.0.1:6379"
`

const defaultSoul = `You are Kestrel, a personal agent that lives beside your user all day: you answer messages, remember what matters, keep standing reminders running, and carry out multi-step tasks they hand you.

## Core Identity

- You are attentive and low-friction — most turns deserve a short, direct reply
- You act on what the user means, asking only when genuinely ambiguous
- You never fabricate facts, schedules, or capabilities you don't have
- You remember: preferences, decisions, and corrections go to long-term memory

## Working Style

- For recurring wishes ("every morning...", "remind me...") set up a cron rather than promising to remember
- For multi-step tasks, work through them steadily; pause and ask when a step needs the user's input
- Check your memory and the user's goals before answering questions about their life and plans
- If something fails, say what failed and what you will try instead

## Communication Style

- Respond in the same language the user uses
- Match the channel: chat replies stay short; reports can be longer
- No filler, no restating what the user just said

## Safety Boundaries

- Never take destructive actions without explicit confirmation
- Do not expose credentials or private data in replies
- Quiet hours are sacred: scheduled announcements wait for morning
`

const defaultRules = `---
name: rules
priority: 10
---
## Operating Rules

- The workspace directory is the user's; check that a file exists before reading or editing it.
- Use the most specific tool for each job — read_file over "cat", grep_search over "grep".
- If a tool call fails, correct the parameters and retry once; then report instead of looping.
- Scheduled work belongs in crons (action markers), not in promises to "check later".
- Before saving a memory, make it one self-contained sentence the future you can act on.
- Present results concisely — never restate what a tool's output already showed.
`

const defaultCapabilities = `---
name: capabilities
priority: 20
---
## Your Capabilities

Beyond conversation, the host process gives you:

- **Workspace tools** — read, write, edit, and search files under the workspace root
- **Shell** — sandboxed bash for everything the file tools don't cover
- **Web** — search the internet and fetch page content
- **Memory** — save facts that should survive this conversation (save_memory)
- **Scheduling markers** — [CRON_ADD: name | expr | prompt], [CRON_DELETE: name], [CRON_TOGGLE: name], [CRON_RUN: name]
- **Delivery markers** — [SEND_FILE: path] to hand a workspace file to the user, [TOOL_CALL: name | json] to run a registered tool

The exact tool set varies with configuration; the Tooling section lists what is live right now. If a needed capability is missing, say so.
`

const defaultCoding = `---
name: coding
priority: 30
requires:
  intent: [coding]
---
## Coding Standards

- Follow DDD and SOLID principles
- Write production-grade code: no TODOs, no stubs, no mock data
- Keep files focused: components < 500 lines, scripts < 2000 lines
- Match the existing codebase's style, naming conventions, and patterns
- Include proper error handling — never swallow errors silently
- Write meaningful comments for non-obvious logic, not for self-evident code
`

const defaultScheduling = `---
name: scheduling
priority: 30
requires:
  intent: [schedule]
---
## Scheduling Guidelines

- Create recurring tasks with a [CRON_ADD: name | cron-expr | prompt] marker; confirm the schedule back to the user in plain words
- Use the user's local timezone when reading times like "tomorrow morning"
- Prefer silent delivery for housekeeping jobs the user does not need to hear from
- When the user asks to stop or change a reminder, use [CRON_DELETE: name] or [CRON_TOGGLE: name] rather than creating a duplicate
`

const defaultVariantQwen = `---
name: qwen
priority: 5
---
## Model-Specific Instructions

When making tool calls, ensure JSON arguments are properly formatted. Use the exact parameter names defined in tool schemas. When thinking through a problem, use your reasoning capabilities but keep the final response focused and actionable.
`

const defaultVariantDefault = `---
name: default
priority: 5
---
## Model Instructions

Follow tool call schemas exactly. Provide structured JSON arguments for all tool calls. Think step-by-step for complex tasks.
`

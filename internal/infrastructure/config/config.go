package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Core      CoreConfig      `mapstructure:"core"`
	PythonEnv string          `mapstructure:"python_env"` // 全局 Python 环境路径 (conda/venv 根目录)
}

// CoreConfig configures the personal-agent pipeline: the LLM CLI
// subprocess adapter, the fair-share work queue, the cron scheduler's
// quiet hours, and the context gate's token ceiling.
type CoreConfig struct {
	LLMCLICommand     string        `mapstructure:"llm_cli_command"`
	LLMCLIArgs        []string      `mapstructure:"llm_cli_args"`
	LLMCLIWorkDir     string        `mapstructure:"llm_cli_workdir"`
	AbsoluteTimeout   time.Duration `mapstructure:"absolute_timeout"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`

	MaxConcurrent   int `mapstructure:"max_concurrent"`
	MaxQueuePerUser int `mapstructure:"max_queue_per_user"`

	QuietHoursStart int `mapstructure:"quiet_hours_start"`
	QuietHoursEnd   int `mapstructure:"quiet_hours_end"`

	ContextCeilingTokens int `mapstructure:"context_ceiling_tokens"`
}

// TelegramConfig Telegram 配置
type TelegramConfig struct {
	BotToken string  `mapstructure:"bot_token"`
	AllowIDs []int64 `mapstructure:"allow_ids"`
	Mode     string  `mapstructure:"mode"` // not read; the Telegram adapter always polls
	// 群组策略
	DMPolicy       string   `mapstructure:"dm_policy"`        // open, allowlist, disabled
	GroupPolicy    string   `mapstructure:"group_policy"`     // open, allowlist, disabled
	GroupAllowFrom []string `mapstructure:"group_allow_from"` // 允许的群组 ID 列表
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig Agent 配置
type AgentConfig struct {
	DefaultModel string        `mapstructure:"default_model"`
	Workspace    string        `mapstructure:"workspace"`
	Models       []ModelConfig `mapstructure:"models"` // 可用模型列表
	Runtime      RuntimeConfig `mapstructure:"runtime"`
}

// ModelConfig 模型配置
type ModelConfig struct {
	ID          string `mapstructure:"id"`          // 如 "antigravity/gemini-3-flash"
	Alias       string `mapstructure:"alias"`       // 如 "Flash"
	Provider    string `mapstructure:"provider"`    // 如 "Antigravity"
	Description string `mapstructure:"description"` // 描述
}

// RuntimeConfig Agent 运行时参数
type RuntimeConfig struct {
	ToolTimeout time.Duration `mapstructure:"tool_timeout"` // 单个工具执行超时
}

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	FilePath string `mapstructure:"file_path"` // HEARTBEAT.md 路径
	Interval int    `mapstructure:"interval"`  // 检查间隔(分钟)
	ChatID   int64  `mapstructure:"chat_id"`   // 目标 Telegram ChatID
}

// MemoryConfig 向量记忆配置
type MemoryConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	OllamaURL  string      `mapstructure:"ollama_url"`  // Ollama 服务地址 (http://host:port)
	EmbedModel string      `mapstructure:"embed_model"` // 嵌入模型名, 如 qwen3-embedding
	StorePath  string      `mapstructure:"store_path"`  // LanceDB 持久化目录
	StoreType  string      `mapstructure:"store_type"`  // lancedb | memory
	Redis      RedisConfig `mapstructure:"redis"`       // goal-topic cache + mention-boost table
}

// RedisConfig backs the Memory Index's 30-minute goal-linked-memory
// cache and its mention-tracking boost table. When Enabled is false
// the Index falls back to its in-process maps (fine for a single
// gateway instance; Redis matters once the IPC surface and a future
// second process share the same memory index).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// ─── 分层配置加载 ───
	// 优先级 (低 → 高): 默认值 → 全局 ~/.kestrel/ → 项目本地 → 环境变量
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置 ~/.kestrel/config.yaml (基础层 — telegram, core, memory)
	globalDir := filepath.Join(os.Getenv("HOME"), ".kestrel")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置 (覆盖层 — workspace, models, runtime 等)
	// 检查 ./config/config.yaml 和 ./config.yaml, 用 MergeInConfig 叠加
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break // 只取第一个找到的本地配置
		}
	}

	// 叠加兼容的 legacy.json (仅补充 model/telegram)
	_ = loadLegacyConfig(v)

	// 环境变量覆盖
	v.SetEnvPrefix("KESTREL")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	// Database 默认值
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "kestrel.db")

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Agent Runtime 默认值
	v.SetDefault("agent.runtime.tool_timeout", "30s")

	// Core pipeline 默认值
	v.SetDefault("core.llm_cli_command", "claude")
	v.SetDefault("core.llm_cli_args", []string{})
	v.SetDefault("core.absolute_timeout", "900s")
	v.SetDefault("core.inactivity_timeout", "120s")
	v.SetDefault("core.max_concurrent", 4)
	v.SetDefault("core.max_queue_per_user", 10)
	v.SetDefault("core.quiet_hours_start", 22)
	v.SetDefault("core.quiet_hours_end", 8)
	v.SetDefault("core.context_ceiling_tokens", 150000)

	// Memory Index 的 goal-cache / mention-boost Redis 默认值
	v.SetDefault("memory.redis.enabled", false)
	v.SetDefault("memory.redis.addr", "127.0.0.1:6379")
	v.SetDefault("memory.redis.db", 0)
}

// loadLegacyConfig 加载兼容的 legacy.json 配置
func loadLegacyConfig(v *viper.Viper) error {
	// 搜索 legacy.json
	paths := []string{
		filepath.Join(os.Getenv("HOME"), ".kestrel", "legacy.json"),
		"legacy.json",
	}

	var configPath string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}

	if configPath == "" {
		return fmt.Errorf("legacy.json not found")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read legacy.json: %w", err)
	}

	// Parse the JSON
	var oc map[string]interface{}
	if err := json.Unmarshal(data, &oc); err != nil {
		return fmt.Errorf("parse legacy.json: %w", err)
	}

	// Map default model
	if model, ok := oc["model"].(string); ok && model != "" {
		v.Set("agent.default_model", model)
	}

	// Map telegram bot token
	if tg, ok := oc["telegram"].(map[string]interface{}); ok {
		if token, ok := tg["botToken"].(string); ok && token != "" {
			v.Set("telegram.bot_token", token)
		}
	}

	return nil
}

package prompt

import "strings"

// PromptContext carries the per-call runtime facts the engine filters
// components on: which channel the turn arrived from, which model will
// serve it, what the user asked, and which tools are registered.
type PromptContext struct {
	Channel         string // "cli", "telegram" — selects channel overlays
	ModelName       string
	UserMessage     string
	Workspace       string
	RegisteredTools []string
	// ToolSummaries maps tool name → one-line description for the
	// capability manifest table. Optional; names alone render fine.
	ToolSummaries map[string]string
	// MaxTokenBudget caps the assembled prompt (0 = unlimited).
	MaxTokenBudget int
	// DetectedIntent is filled by AnalyzeIntent when left at
	// IntentGeneral and a user message is present.
	DetectedIntent TaskIntent
}

// HasTool reports whether name is registered.
func (c *PromptContext) HasTool(name string) bool {
	for _, t := range c.RegisteredTools {
		if t == name {
			return true
		}
	}
	return false
}

// HasAnyTool reports whether at least one of names is registered.
func (c *PromptContext) HasAnyTool(names []string) bool {
	for _, n := range names {
		if c.HasTool(n) {
			return true
		}
	}
	return false
}

// TaskIntent is the detected flavor of a user turn, used to load
// conditional prompt components for what the user actually wants.
type TaskIntent int

const (
	IntentGeneral  TaskIntent = iota // conversational default
	IntentSchedule                   // reminders, crons, recurring tasks
	IntentResearch                   // web search, analysis, summarization
	IntentCoding                     // code generation, debugging
	IntentSystem                     // files, processes, system admin
	IntentCreative                   // writing, brainstorming
)

func (i TaskIntent) String() string {
	switch i {
	case IntentSchedule:
		return "schedule"
	case IntentResearch:
		return "research"
	case IntentCoding:
		return "coding"
	case IntentSystem:
		return "system"
	case IntentCreative:
		return "creative"
	default:
		return "general"
	}
}

// intentKeywords pairs each non-default intent with its trigger words,
// checked in order — scheduling wins over research when both match,
// since a "remind me to look this up" turn should load the scheduling
// component.
var intentKeywords = []struct {
	intent TaskIntent
	words  []string
}{
	{IntentSchedule, []string{
		"提醒", "定时", "每天", "每周", "闹钟", "日程",
		"remind", "reminder", "schedule", "every day", "every week",
		"daily", "weekly", "recurring", "cron",
	}},
	{IntentCoding, []string{
		"代码", "函数", "bug", "报错", "编译", "debug", "重构",
		"code", "function", "error", "compile", "refactor", "implement",
		"golang", "python", "javascript", "typescript", "rust",
		"接口", "api", "class", "struct", "模块",
	}},
	{IntentResearch, []string{
		"搜索", "查找", "研究", "新闻", "最新",
		"search", "find", "research", "news", "latest",
		"总结", "汇总", "对比", "分析报告",
	}},
	{IntentSystem, []string{
		"文件", "目录", "进程", "服务", "部署", "配置",
		"file", "directory", "process", "service", "deploy", "config",
		"docker", "nginx", "ssh", "systemctl",
	}},
	{IntentCreative, []string{
		"写一篇", "故事", "文章", "翻译", "润色", "创意",
		"write", "story", "article", "translate", "creative",
	}},
}

// AnalyzeIntent detects the task type from the user's message, so
// conditional prompt components load on what the user actually wants
// rather than on which tools happen to be registered.
func AnalyzeIntent(message string) TaskIntent {
	msg := strings.ToLower(message)
	for _, group := range intentKeywords {
		for _, kw := range group.words {
			if strings.Contains(msg, kw) {
				return group.intent
			}
		}
	}
	return IntentGeneral
}

package entity

import "time"

// CostEntry is one billed LLM call, persisted for the cost-budget
// utilization signal the context assembler's tier selection consults
// and for workflow cost rollups.
type CostEntry struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	SessionID       string    `json:"session_id"`
	SubmitterKey    string    `json:"submitter_key" gorm:"index"`
	Model           string    `json:"model"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CacheReadTokens int64     `json:"cache_read_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	CreatedAt       time.Time `json:"created_at"`
}

// ErrorLogEntry is a queryable trail of component errors, backing the
// "in-memory state is authoritative until next save succeeds" contract
// with an inspectable history (GormOpsLog.RecentErrors, newest first).
// The IPC /status endpoint does not include these rows.
type ErrorLogEntry struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Component string    `json:"component" gorm:"index"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Context   string    `json:"context"` // JSON-encoded map
	CreatedAt time.Time `json:"created_at"`
}

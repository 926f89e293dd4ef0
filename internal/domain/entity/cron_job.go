package entity

import "time"

// DeliveryMode controls whether a cron's result is announced to the
// user or kept silent.
type DeliveryMode string

const (
	DeliveryAnnounce DeliveryMode = "announce"
	DeliverySilent   DeliveryMode = "silent"
)

// CronStatus is the last observed run status of a cron job.
type CronStatus string

const (
	CronStatusOK      CronStatus = "ok"
	CronStatusRunning CronStatus = "running"
	CronStatusError   CronStatus = "error"
)

// CronJob is a scheduled, recurring LLM prompt.
type CronJob struct {
	ID         string       `json:"id" gorm:"primaryKey"`
	Name       string       `json:"name" gorm:"uniqueIndex"` // matched case-insensitively
	Schedule   string       `json:"schedule"`                // five-field cron expression
	Timezone   string       `json:"timezone"`
	Prompt     string       `json:"prompt"`
	Enabled    bool         `json:"enabled"`
	Delivery   DeliveryMode `json:"delivery"`
	Model      string       `json:"model"`
	SubmitterKey string     `json:"submitter_key"` // chat/correspondent this job announces to

	LastRun          time.Time  `json:"last_run"`
	NextRun          time.Time  `json:"next_run"`
	LastStatus       CronStatus `json:"last_status"`
	LastError        string     `json:"last_error"`
	LastDurationMs   int64      `json:"last_duration_ms"`
	ConsecutiveErrors int       `json:"consecutive_errors"`

	SessionID string    `json:"session_id"` // per-cron one-shot session continuity
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusString renders LastStatus as
// "ok" | "running" | "error:<msg>".
func (c *CronJob) StatusString() string {
	if c.LastStatus == CronStatusError && c.LastError != "" {
		return "error:" + c.LastError
	}
	return string(c.LastStatus)
}

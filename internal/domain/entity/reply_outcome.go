package entity

import "time"

// Sentiment classifies the tone of a user's reply to a bot action.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNone     Sentiment = ""
)

// ReplyOutcome captures a post-hoc classification of how the user
// reacted to a bot-initiated message (cron announcement, workflow
// question, proactive nudge). A row is recorded when the user replies
// within the tracker's window, or with SentimentNone when the window
// closes without a reply; WindowMs holds the time from the bot's
// message to the reply (the whole window on expiry).
type ReplyOutcome struct {
	ID             string        `json:"id" gorm:"primaryKey"`
	BotMsgID       string        `json:"bot_msg_id"`
	Signal         string        `json:"signal"` // e.g. "cron_announce", "workflow_wait_input"
	Sentiment      Sentiment     `json:"sentiment"`
	Classification string        `json:"classification"`
	UserResponse   string        `json:"user_response"` // truncated
	WindowMs       int64         `json:"window_ms"`
	CreatedAt      time.Time     `json:"created_at"`
}

const replyOutcomeMaxStoredChars = 280

// TruncateResponse bounds UserResponse to the storage limit.
func TruncateResponse(s string) string {
	if len(s) <= replyOutcomeMaxStoredChars {
		return s
	}
	return s[:replyOutcomeMaxStoredChars]
}

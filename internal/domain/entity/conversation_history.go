package entity

import "time"

// HistoryRole is the speaker of a conversation turn.
type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
)

// HistoryTurn is one entry in a correspondent's ordered conversation
// history.
type HistoryTurn struct {
	Role      HistoryRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConversationHistory is the per-correspondent ordered turn sequence.
// Invariants enforced by Normalize: the first element (if any) has
// Role == RoleUser, and length <= maxHistory.
type ConversationHistory struct {
	CorrespondentID string
	Turns           []HistoryTurn
	maxHistory      int
}

// NewConversationHistory returns an empty history bounded to maxHistory
// turns (0 = unbounded).
func NewConversationHistory(correspondentID string, maxHistory int) *ConversationHistory {
	return &ConversationHistory{CorrespondentID: correspondentID, maxHistory: maxHistory}
}

// Append adds a turn and re-normalizes the history.
func (h *ConversationHistory) Append(turn HistoryTurn) {
	h.Turns = append(h.Turns, turn)
	h.Normalize()
}

// Normalize trims the history to maxHistory and discards any leading
// run of non-user turns. The LLM subprocess owns full session context
// once a persistent session is running, but the rebuilt view used when
// reattaching after a restart or seeding a one-shot call must still
// satisfy "first turn is user" for rebuilt history views after restart/reattach.
func (h *ConversationHistory) Normalize() {
	if h.maxHistory > 0 && len(h.Turns) > h.maxHistory {
		h.Turns = h.Turns[len(h.Turns)-h.maxHistory:]
	}
	for len(h.Turns) > 0 && h.Turns[0].Role != RoleUser {
		h.Turns = h.Turns[1:]
	}
}

// Len returns the number of turns currently retained.
func (h *ConversationHistory) Len() int {
	return len(h.Turns)
}

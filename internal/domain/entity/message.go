package entity

import "time"

// MessageRecord is one persisted turn of the audit trail: who said
// what in which conversation. The conversation id is the correspondent
// submitter key; Role matches the HistoryRole vocabulary.
type MessageRecord struct {
	ID             string      `json:"id" gorm:"primaryKey"`
	ConversationID string      `json:"conversation_id" gorm:"index"`
	Role           HistoryRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessageRecord validates ids before a record enters the trail.
func NewMessageRecord(id, conversationID string, role HistoryRole, content string) (*MessageRecord, error) {
	if id == "" {
		return nil, ErrInvalidMessageID
	}
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	return &MessageRecord{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}, nil
}

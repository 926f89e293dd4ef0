package entity

import "time"

// GoalStatus is the lifecycle state of a tracked goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalAchieved  GoalStatus = "achieved"
	GoalAbandoned GoalStatus = "abandoned"
)

// Milestone is a single checkpoint within a Goal.
type Milestone struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	GoalID      string     `json:"goal_id" gorm:"index"`
	Title       string     `json:"title"`
	Done        bool       `json:"done"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Goal is a user-declared objective the context assembler and memory
// index reference when matching topics against stored goals.
type Goal struct {
	ID          string      `json:"id" gorm:"primaryKey"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      GoalStatus  `json:"status"`
	Milestones  []Milestone `json:"milestones" gorm:"foreignKey:GoalID"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

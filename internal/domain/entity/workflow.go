package entity

import "time"

// WorkflowStatus is the overall lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// StepType selects the execution semantics applied by the workflow
// engine when a step becomes eligible.
type StepType string

const (
	StepLLM          StepType = "llm"
	StepTool         StepType = "tool"
	StepWaitInput    StepType = "wait_input"
	StepConditional  StepType = "conditional"
	StepDelay        StepType = "delay"
)

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one node in a workflow's DAG.
type Step struct {
	ID          string                 `json:"id"`
	Type        StepType               `json:"type"`
	Status      StepStatus             `json:"status"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Retries     int                    `json:"retries"`
	MaxRetries  int                    `json:"max_retries"`
	Rollback    map[string]interface{} `json:"rollback,omitempty"`
	SkipReason  string                 `json:"skip_reason,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Workflow is a persisted DAG of typed steps.
type Workflow struct {
	ID          string                            `json:"id"`
	Name        string                            `json:"name"`
	Status      WorkflowStatus                    `json:"status"`
	Steps       []*Step                           `json:"steps"`
	Context     map[string]map[string]interface{} `json:"context"` // step-id -> result fields
	CostUSD     float64                           `json:"cost_usd"`
	SubmitterKey string                           `json:"submitter_key"`
	CreatedAt   time.Time                         `json:"created_at"`
	UpdatedAt   time.Time                         `json:"updated_at"`
	CompletedAt *time.Time                        `json:"completed_at,omitempty"`
	MaxDuration time.Duration                     `json:"max_duration"`
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Dependents returns the ids of steps that declare id as a dependency.
func (w *Workflow) Dependents(id string) []string {
	var out []string
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}

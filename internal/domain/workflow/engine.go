// Package workflow implements the Workflow Engine: a
// DAG of typed steps advanced by event-driven advancement, never by
// polling. Steps become eligible when every dependency is completed
// or skipped; a failed step rolls back and cascades skips to its
// pending descendants.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/queue"
)

// LLMCaller invokes the LLM Adapter in one-shot mode for `llm` steps.
type LLMCaller interface {
	CallOneShot(ctx context.Context, prompt string) (result string, costUSD float64, err error)
}

// ToolRunner executes a sandboxed command for `tool` steps. args must
// already be argv-array form — no shell string concatenation.
type ToolRunner interface {
	Run(ctx context.Context, command string, args []string, timeout time.Duration) (stdout string, stderr string, err error)
}

// InputAsker sends a question to the user for `wait_input` steps and
// marks the workflow as waiting on a reply.
type InputAsker interface {
	Ask(ctx context.Context, workflowID, stepID, question string) error
}

// Store is the persistence contract the engine needs.
type Store interface {
	Save(wf *entity.Workflow) error
	Load(id string) (*entity.Workflow, error)
	Delete(id string) error
	List() ([]*entity.Workflow, error)
}

// Tool steps default to a short leash; wait_input steps wait on a
// human and default to a day.
const (
	defaultToolTimeout  = 30 * time.Second
	defaultInputTimeout = 24 * time.Hour
)

const defaultMaxRetries = 2

// Engine advances workflows step by step.
type Engine struct {
	store  Store
	work   *queue.Queue
	llm    LLMCaller
	tools  ToolRunner
	asker  InputAsker
	logger *zap.Logger
	events EventPublisher

	mu      sync.Mutex
	locks   map[string]*sync.Mutex // per-workflow advance lock
	waiting map[string]pendingInput // workflowID -> pending wait_input
}

type pendingInput struct {
	stepID  string
	expires time.Time
}

// Deps bundles Engine's collaborators.
type Deps struct {
	Store  Store
	Work   *queue.Queue
	LLM    LLMCaller
	Tools  ToolRunner
	Asker  InputAsker
	Logger *zap.Logger
	// Events, if set, receives a "workflow.transitioned" publication
	// whenever a workflow's Status
	// field changes. Optional — nil disables publication.
	Events EventPublisher
}

// EventPublisher is the narrow slice of eventbus.Bus the engine needs,
// kept local so this package doesn't import the infrastructure layer.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// New creates an Engine.
func New(d Deps) *Engine {
	return &Engine{
		store:   d.Store,
		work:    d.Work,
		llm:     d.LLM,
		tools:   d.Tools,
		asker:   d.Asker,
		logger:  d.Logger,
		events:  d.Events,
		locks:   make(map[string]*sync.Mutex),
		waiting: make(map[string]pendingInput),
	}
}

// publish notifies Events of a workflow status transition. No-op if
// no publisher was wired.
func (e *Engine) publish(ctx context.Context, wf *entity.Workflow) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, "workflow.transitioned", WorkflowTransition{
		WorkflowID: wf.ID,
		Name:       wf.Name,
		Status:     string(wf.Status),
	})
}

// WorkflowTransition is the payload of a "workflow.transitioned" event.
type WorkflowTransition struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Create persists a new workflow in `pending` status and immediately
// advances it.
func (e *Engine) Create(ctx context.Context, wf *entity.Workflow) error {
	wf.Status = entity.WorkflowPending
	wf.CreatedAt = time.Now()
	wf.UpdatedAt = time.Now()
	if wf.Context == nil {
		wf.Context = make(map[string]map[string]interface{})
	}
	for _, s := range wf.Steps {
		if s.Status == "" {
			s.Status = entity.StepPending
		}
		if s.MaxRetries == 0 {
			s.MaxRetries = defaultMaxRetries
		}
	}
	if err := e.store.Save(wf); err != nil {
		return err
	}
	e.Advance(ctx, wf.ID)
	return nil
}

// ResumeAll implements crash-safe resumption: every
// `running` workflow has its `running` steps demoted to `pending` and
// is re-advanced; `paused` workflows are left idle until external
// input arrives.
func (e *Engine) ResumeAll(ctx context.Context) error {
	wfs, err := e.store.List()
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if wf.Status != entity.WorkflowRunning {
			continue
		}
		changed := false
		for _, s := range wf.Steps {
			if s.Status == entity.StepRunning {
				s.Status = entity.StepPending
				s.StartedAt = nil
				changed = true
			}
		}
		if changed {
			if err := e.store.Save(wf); err != nil {
				e.logger.Error("workflow: resume save failed", zap.String("workflow", wf.ID), zap.Error(err))
				continue
			}
		}
		e.Advance(ctx, wf.ID)
	}
	return nil
}

// Advance selects every currently-eligible step (all dependencies
// completed or skipped) and submits each through the Work Queue. It
// is safe to call repeatedly and concurrently for the same workflow;
// a per-workflow lock serializes advancement.
func (e *Engine) Advance(ctx context.Context, workflowID string) {
	lock := e.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Load(workflowID)
	if err != nil {
		e.logger.Error("workflow: advance load failed", zap.String("workflow", workflowID), zap.Error(err))
		return
	}
	if wf.Status == entity.WorkflowCompleted || wf.Status == entity.WorkflowFailed || wf.Status == entity.WorkflowCancelled || wf.Status == entity.WorkflowPaused {
		return
	}

	eligible := eligibleSteps(wf)
	if len(eligible) == 0 {
		e.maybeFinish(wf)
		return
	}

	wf.Status = entity.WorkflowRunning
	for _, step := range eligible {
		step.Status = entity.StepRunning
		now := time.Now()
		step.StartedAt = &now
	}
	if err := e.store.Save(wf); err != nil {
		e.logger.Error("workflow: advance save failed", zap.String("workflow", workflowID), zap.Error(err))
		return
	}
	e.publish(ctx, wf)

	for _, step := range eligible {
		step := step
		submitterKey := "workflow:" + wf.ID
		_, err := e.work.Submit(ctx, submitterKey, func(ctx context.Context) (interface{}, error) {
			e.runStep(ctx, wf.ID, step.ID)
			return nil, nil
		})
		if err != nil {
			e.logger.Warn("workflow: step submit failed", zap.String("workflow", wf.ID), zap.String("step", step.ID), zap.Error(err))
		}
	}
}

func eligibleSteps(wf *entity.Workflow) []*entity.Step {
	var out []*entity.Step
	for _, s := range wf.Steps {
		if s.Status != entity.StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			depStep := wf.StepByID(dep)
			if depStep == nil || (depStep.Status != entity.StepCompleted && depStep.Status != entity.StepSkipped) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// maybeFinish marks the workflow completed/failed once no step is
// pending or running.
func (e *Engine) maybeFinish(wf *entity.Workflow) {
	anyFailed := false
	for _, s := range wf.Steps {
		if s.Status == entity.StepPending || s.Status == entity.StepRunning {
			return
		}
		if s.Status == entity.StepFailed {
			anyFailed = true
		}
	}
	now := time.Now()
	if anyFailed {
		wf.Status = entity.WorkflowFailed
	} else {
		wf.Status = entity.WorkflowCompleted
	}
	wf.CompletedAt = &now
	wf.UpdatedAt = now
	if err := e.store.Save(wf); err != nil {
		e.logger.Error("workflow: finish save failed", zap.String("workflow", wf.ID), zap.Error(err))
		return
	}
	e.publish(context.Background(), wf)
}

// runStep executes a single step to completion (or failure) and then
// re-enters Advance so dependents become eligible.
func (e *Engine) runStep(ctx context.Context, workflowID, stepID string) {
	wf, err := e.store.Load(workflowID)
	if err != nil {
		return
	}
	step := wf.StepByID(stepID)
	if step == nil {
		return
	}

	result, stepErr := e.execStep(ctx, wf, step)

	wf, err = e.store.Load(workflowID)
	if err != nil {
		return
	}
	step = wf.StepByID(stepID)
	if step == nil {
		return
	}

	if stepErr != nil {
		e.handleStepFailure(ctx, wf, step, stepErr)
		return
	}

	now := time.Now()
	step.Status = entity.StepCompleted
	step.CompletedAt = &now
	step.Result = result
	if wf.Context == nil {
		wf.Context = make(map[string]map[string]interface{})
	}
	wf.Context[step.ID] = result
	wf.UpdatedAt = now
	if err := e.store.Save(wf); err != nil {
		e.logger.Error("workflow: step completion save failed", zap.String("workflow", wf.ID), zap.String("step", step.ID), zap.Error(err))
		return
	}
	e.Advance(ctx, wf.ID)
}

// execStep dispatches to the step-type-specific semantics of each step kind.
func (e *Engine) execStep(ctx context.Context, wf *entity.Workflow, step *entity.Step) (map[string]interface{}, error) {
	switch step.Type {
	case entity.StepLLM:
		return e.execLLM(ctx, wf, step)
	case entity.StepTool:
		return e.execTool(ctx, wf, step)
	case entity.StepWaitInput:
		return e.execWaitInput(ctx, wf, step)
	case entity.StepConditional:
		return e.execConditional(ctx, wf, step)
	case entity.StepDelay:
		return e.execDelay(ctx, step)
	default:
		return nil, fmt.Errorf("workflow: unknown step type %q", step.Type)
	}
}

func (e *Engine) execLLM(ctx context.Context, wf *entity.Workflow, step *entity.Step) (map[string]interface{}, error) {
	prompt, _ := step.Config["prompt"].(string)
	prompt = interpolate(prompt, wf.Context, false)
	text, cost, err := e.llm.CallOneShot(ctx, prompt)
	if err != nil {
		return nil, err
	}
	wf.CostUSD += cost
	return map[string]interface{}{"text": text, "cost_usd": cost}, nil
}

func (e *Engine) execTool(ctx context.Context, wf *entity.Workflow, step *entity.Step) (map[string]interface{}, error) {
	command, _ := step.Config["command"].(string)
	var args []string
	if raw, ok := step.Config["args"].([]interface{}); ok {
		for _, a := range raw {
			s := fmt.Sprintf("%v", a)
			args = append(args, interpolate(s, wf.Context, true))
		}
	}
	timeout := defaultToolTimeout
	if secs, ok := step.Config["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	stdout, stderr, err := e.tools.Run(ctx, command, args, timeout)
	if err != nil {
		return map[string]interface{}{"stdout": stdout, "stderr": stderr}, err
	}
	return map[string]interface{}{"stdout": stdout, "stderr": stderr, "ok": true}, nil
}

func (e *Engine) execWaitInput(ctx context.Context, wf *entity.Workflow, step *entity.Step) (map[string]interface{}, error) {
	question, _ := step.Config["question"].(string)
	question = interpolate(question, wf.Context, false)

	timeout := defaultInputTimeout
	if secs, ok := step.Config["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	e.mu.Lock()
	e.waiting[wf.ID] = pendingInput{stepID: step.ID, expires: time.Now().Add(timeout)}
	e.mu.Unlock()

	wf.Status = entity.WorkflowPaused
	if err := e.store.Save(wf); err != nil {
		return nil, err
	}
	e.publish(ctx, wf)
	if err := e.asker.Ask(ctx, wf.ID, step.ID, question); err != nil {
		return nil, err
	}
	// Completion happens out-of-band via Fulfill; runStep's caller
	// (the queue worker) returns here having left the step running
	// and the workflow paused, which is the documented steady state
	// until the user's next message or the timeout fires.
	return nil, errWaitingForInput
}

var errWaitingForInput = fmt.Errorf("workflow: waiting for user input")

// Fulfill delivers a user's reply to a paused wait_input step,
// completing it and resuming advancement.
func (e *Engine) Fulfill(ctx context.Context, workflowID, reply string) bool {
	e.mu.Lock()
	pending, ok := e.waiting[workflowID]
	if ok {
		delete(e.waiting, workflowID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	wf, err := e.store.Load(workflowID)
	if err != nil {
		return false
	}
	step := wf.StepByID(pending.stepID)
	if step == nil {
		return false
	}
	now := time.Now()
	step.Status = entity.StepCompleted
	step.CompletedAt = &now
	step.Result = map[string]interface{}{"reply": reply}
	if wf.Context == nil {
		wf.Context = make(map[string]map[string]interface{})
	}
	wf.Context[step.ID] = step.Result
	wf.Status = entity.WorkflowRunning
	wf.UpdatedAt = now
	if err := e.store.Save(wf); err != nil {
		return false
	}
	e.Advance(ctx, workflowID)
	return true
}

func (e *Engine) execConditional(ctx context.Context, wf *entity.Workflow, step *entity.Step) (map[string]interface{}, error) {
	expr, _ := step.Config["expr"].(string)
	result := evalCondition(expr, wf.Context)

	if !result {
		var skipIDs []string
		if raw, ok := step.Config["on_false_skip"].([]interface{}); ok {
			for _, id := range raw {
				skipIDs = append(skipIDs, fmt.Sprintf("%v", id))
			}
		}
		for _, id := range skipIDs {
			if target := wf.StepByID(id); target != nil && target.Status == entity.StepPending {
				target.Status = entity.StepSkipped
				target.SkipReason = fmt.Sprintf("upstream condition %q evaluated false", step.ID)
			}
		}
	}
	return map[string]interface{}{"result": result}, nil
}

func (e *Engine) execDelay(ctx context.Context, step *entity.Step) (map[string]interface{}, error) {
	secs, _ := step.Config["seconds"].(float64)
	d := time.Duration(secs) * time.Second
	select {
	case <-time.After(d):
		return map[string]interface{}{"waited_seconds": secs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleStepFailure implements the error-recovery/retry/rollback/
// cascade-skip contract of steps 3-4.
func (e *Engine) handleStepFailure(ctx context.Context, wf *entity.Workflow, step *entity.Step, stepErr error) {
	if stepErr == errWaitingForInput {
		// Not a real failure: execWaitInput already persisted the
		// paused state itself.
		return
	}

	if step.Retries < step.MaxRetries {
		step.Retries++
		step.Status = entity.StepPending
		step.StartedAt = nil
		if err := e.store.Save(wf); err != nil {
			e.logger.Error("workflow: retry save failed", zap.String("workflow", wf.ID), zap.Error(err))
			return
		}
		e.Advance(ctx, wf.ID)
		return
	}

	now := time.Now()
	step.Status = entity.StepFailed
	step.Error = stepErr.Error()
	step.CompletedAt = &now

	if step.Rollback != nil {
		e.runRollback(ctx, wf, step)
	}

	e.cascadeSkip(wf, step.ID)

	wf.UpdatedAt = now
	if err := e.store.Save(wf); err != nil {
		e.logger.Error("workflow: failure save failed", zap.String("workflow", wf.ID), zap.Error(err))
		return
	}
	e.Advance(ctx, wf.ID)
}

func (e *Engine) runRollback(ctx context.Context, wf *entity.Workflow, step *entity.Step) {
	command, _ := step.Rollback["command"].(string)
	if command == "" {
		return
	}
	var args []string
	if raw, ok := step.Rollback["args"].([]interface{}); ok {
		for _, a := range raw {
			args = append(args, interpolate(fmt.Sprintf("%v", a), wf.Context, true))
		}
	}
	if _, _, err := e.tools.Run(ctx, command, args, defaultToolTimeout); err != nil {
		e.logger.Warn("workflow: rollback failed", zap.String("workflow", wf.ID), zap.String("step", step.ID), zap.Error(err))
	}
}

// cascadeSkip marks every pending descendant of a failed step as
// skipped, while letting unrelated branches continue.
func (e *Engine) cascadeSkip(wf *entity.Workflow, failedID string) {
	pending := wf.Dependents(failedID)
	seen := map[string]bool{}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		s := wf.StepByID(id)
		if s == nil || s.Status != entity.StepPending {
			continue
		}
		s.Status = entity.StepSkipped
		s.SkipReason = fmt.Sprintf("upstream step %q failed", failedID)
		pending = append(pending, wf.Dependents(id)...)
	}
}

// StalledWorkflows scans for workflows whose running step started
// more than stepThreshold ago, or whose total age exceeds its
// MaxDuration, surfacing both for operator attention.
func (e *Engine) StalledWorkflows(stepThreshold time.Duration) ([]*entity.Workflow, error) {
	wfs, err := e.store.List()
	if err != nil {
		return nil, err
	}
	var stalled []*entity.Workflow
	now := time.Now()
	for _, wf := range wfs {
		if wf.Status != entity.WorkflowRunning {
			continue
		}
		if wf.MaxDuration > 0 && now.Sub(wf.CreatedAt) > wf.MaxDuration {
			stalled = append(stalled, wf)
			continue
		}
		for _, s := range wf.Steps {
			if s.Status == entity.StepRunning && s.StartedAt != nil && now.Sub(*s.StartedAt) > stepThreshold {
				stalled = append(stalled, wf)
				break
			}
		}
	}
	return stalled, nil
}

// Cancel marks a workflow cancelled and purges its pending-input
// registration, leaving already-completed step results intact.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	delete(e.waiting, workflowID)
	e.mu.Unlock()

	wf, err := e.store.Load(workflowID)
	if err != nil {
		return err
	}
	wf.Status = entity.WorkflowCancelled
	now := time.Now()
	wf.CompletedAt = &now
	wf.UpdatedAt = now
	if err := e.store.Save(wf); err != nil {
		return err
	}
	e.publish(context.Background(), wf)
	return nil
}

// Pause suspends a running workflow without cancelling it. Eligible
// steps already submitted to the work queue still run to completion;
// Advance won't submit any new ones until Resume flips the status
// back. It is a no-op (but not an error) on a workflow that isn't
// currently running.
func (e *Engine) Pause(workflowID string) error {
	wf, err := e.store.Load(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != entity.WorkflowRunning {
		return nil
	}
	wf.Status = entity.WorkflowPaused
	wf.UpdatedAt = time.Now()
	if err := e.store.Save(wf); err != nil {
		return err
	}
	e.publish(context.Background(), wf)
	return nil
}

// Resume reactivates a paused workflow and re-drives Advance so any
// steps that became eligible while paused are submitted now.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	wf, err := e.store.Load(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != entity.WorkflowPaused {
		return fmt.Errorf("workflow: %s is not paused", workflowID)
	}
	wf.Status = entity.WorkflowRunning
	wf.UpdatedAt = time.Now()
	if err := e.store.Save(wf); err != nil {
		return err
	}
	e.publish(ctx, wf)
	e.Advance(ctx, workflowID)
	return nil
}

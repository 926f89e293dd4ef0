package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/queue"
)

type memStore struct {
	mu  sync.Mutex
	wfs map[string]*entity.Workflow
}

func newMemStore() *memStore { return &memStore{wfs: make(map[string]*entity.Workflow)} }

func (s *memStore) Save(wf *entity.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.wfs[wf.ID] = &cp
	return nil
}

func (s *memStore) Load(id string) (*entity.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.wfs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *wf
	return &cp, nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wfs, id)
	return nil
}

func (s *memStore) List() ([]*entity.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Workflow, 0, len(s.wfs))
	for _, wf := range s.wfs {
		out = append(out, wf)
	}
	return out, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeLLM) CallOneShot(ctx context.Context, prompt string) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	return "ok:" + prompt, 0.001, nil
}

type failingLLM struct{}

func (f *failingLLM) CallOneShot(ctx context.Context, prompt string) (string, float64, error) {
	return "", 0, errors.New("llm unavailable")
}

type fakeTools struct{}

func (fakeTools) Run(ctx context.Context, command string, args []string, timeout time.Duration) (string, string, error) {
	return "out", "", nil
}

type fakeAsker struct {
	mu    sync.Mutex
	asked []string
}

func (a *fakeAsker) Ask(ctx context.Context, workflowID, stepID, question string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, question)
	return nil
}

func newTestEngine(llm LLMCaller) (*Engine, *memStore) {
	store := newMemStore()
	work := queue.New(queue.Config{MaxConcurrent: 4, MaxQueuePerUser: 10}, zap.NewNop())
	return New(Deps{
		Store:  store,
		Work:   work,
		LLM:    llm,
		Tools:  fakeTools{},
		Asker:  &fakeAsker{},
		Logger: zap.NewNop(),
	}), store
}

func waitForStatus(t *testing.T, store *memStore, id string, status entity.WorkflowStatus, timeout time.Duration) *entity.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := store.Load(id)
		if err == nil && wf.Status == status {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s in time", id, status)
	return nil
}

func TestEngine_LinearChainCompletes(t *testing.T) {
	e, store := newTestEngine(&fakeLLM{})

	wf := &entity.Workflow{
		ID:   "wf1",
		Name: "linear",
		Steps: []*entity.Step{
			{ID: "a", Type: entity.StepLLM, Config: map[string]interface{}{"prompt": "step a"}},
			{ID: "b", Type: entity.StepLLM, DependsOn: []string{"a"}, Config: map[string]interface{}{"prompt": "step b using {{context.a.text}}"}},
		},
	}
	if err := e.Create(context.Background(), wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	final := waitForStatus(t, store, "wf1", entity.WorkflowCompleted, time.Second)
	if final.StepByID("b").Result["text"] == "" {
		t.Errorf("expected step b to have produced a result")
	}
}

func TestEngine_FailedStepCascadesSkip(t *testing.T) {
	e, store := newTestEngine(&failingLLM{})

	wf := &entity.Workflow{
		ID:   "wf2",
		Name: "cascading-failure",
		Steps: []*entity.Step{
			{ID: "a", Type: entity.StepLLM, Config: map[string]interface{}{"prompt": "x"}, MaxRetries: 0},
			{ID: "b", Type: entity.StepLLM, DependsOn: []string{"a"}, Config: map[string]interface{}{"prompt": "x"}},
			{ID: "c", Type: entity.StepDelay, Config: map[string]interface{}{"seconds": float64(0)}},
		},
	}
	if err := e.Create(context.Background(), wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	final := waitForStatus(t, store, "wf2", entity.WorkflowFailed, time.Second)
	if final.StepByID("b").Status != entity.StepSkipped {
		t.Errorf("expected dependent step to be skipped, got %v", final.StepByID("b").Status)
	}
	if final.StepByID("c").Status != entity.StepCompleted {
		t.Errorf("expected independent step c to still complete, got %v", final.StepByID("c").Status)
	}
}

func TestEngine_WaitInputPausesThenFulfillResumes(t *testing.T) {
	e, store := newTestEngine(&fakeLLM{})

	wf := &entity.Workflow{
		ID:   "wf3",
		Name: "ask-then-use",
		Steps: []*entity.Step{
			{ID: "ask", Type: entity.StepWaitInput, Config: map[string]interface{}{"question": "continue?"}},
			{ID: "after", Type: entity.StepLLM, DependsOn: []string{"ask"}, Config: map[string]interface{}{"prompt": "reply was {{context.ask.reply}}"}},
		},
	}
	if err := e.Create(context.Background(), wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitForStatus(t, store, "wf3", entity.WorkflowPaused, time.Second)

	if !e.Fulfill(context.Background(), "wf3", "yes") {
		t.Fatalf("expected Fulfill to find the pending wait_input step")
	}

	final := waitForStatus(t, store, "wf3", entity.WorkflowCompleted, time.Second)
	if final.StepByID("ask").Result["reply"] != "yes" {
		t.Errorf("expected stored reply 'yes', got %v", final.StepByID("ask").Result["reply"])
	}
}

func TestEngine_ConditionalSkipsDownstream(t *testing.T) {
	e, store := newTestEngine(&fakeLLM{})

	wf := &entity.Workflow{
		ID:   "wf4",
		Name: "conditional",
		Context: map[string]map[string]interface{}{
			"seed": {"ready": false},
		},
		Steps: []*entity.Step{
			{ID: "gate", Type: entity.StepConditional, Config: map[string]interface{}{
				"expr":          "context.seed.ready == true",
				"on_false_skip": []interface{}{"downstream"},
			}},
			{ID: "downstream", Type: entity.StepLLM, DependsOn: []string{"gate"}, Config: map[string]interface{}{"prompt": "never runs"}},
		},
	}
	if err := e.Create(context.Background(), wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	final := waitForStatus(t, store, "wf4", entity.WorkflowCompleted, time.Second)
	if final.StepByID("downstream").Status != entity.StepSkipped {
		t.Errorf("expected downstream step skipped by false condition, got %v", final.StepByID("downstream").Status)
	}
}

func TestEvalCondition_RejectsFunctionCalls(t *testing.T) {
	ctx := map[string]map[string]interface{}{}
	if !evalCondition("exec(\"rm -rf\")", ctx) {
		t.Errorf("expected function-call expression to default to true (rejected, not executed)")
	}
}

func TestEvalCondition_ComparisonsAndBooleanLogic(t *testing.T) {
	ctx := map[string]map[string]interface{}{
		"a": {"count": 3.0, "label": "ok"},
	}
	cases := map[string]bool{
		"context.a.count > 2 && context.a.label == 'ok'": true,
		"context.a.count > 10":                           false,
		"!(context.a.count > 10)":                        true,
		"context.a.label == 'nope'":                      false,
	}
	for expr, want := range cases {
		if got := evalCondition(expr, ctx); got != want {
			t.Errorf("evalCondition(%q) = %v, want %v", expr, got, want)
		}
	}
}

func TestInterpolate_ShellEscapesForToolSteps(t *testing.T) {
	ctx := map[string]map[string]interface{}{
		"a": {"text": "foo'; rm -rf /"},
	}
	got := interpolate("{{context.a.text}}", ctx, true)
	want := `'foo'\''; rm -rf /'`
	if got != want {
		t.Errorf("interpolate shell-escape = %q, want %q", got, want)
	}
}

type recordingTools struct {
	mu      sync.Mutex
	ran     [][]string
	failCmd string
}

func (r *recordingTools) Run(ctx context.Context, command string, args []string, timeout time.Duration) (string, string, error) {
	r.mu.Lock()
	r.ran = append(r.ran, append([]string{command}, args...))
	r.mu.Unlock()
	if command == r.failCmd {
		return "", "boom", errors.New("exit status 1")
	}
	return "out", "", nil
}

func TestEngine_FailedToolStepRunsRollback(t *testing.T) {
	store := newMemStore()
	work := queue.New(queue.Config{MaxConcurrent: 4, MaxQueuePerUser: 10}, zap.NewNop())
	tools := &recordingTools{failCmd: "false"}
	e := New(Deps{
		Store:  store,
		Work:   work,
		LLM:    &fakeLLM{},
		Tools:  tools,
		Asker:  &fakeAsker{},
		Logger: zap.NewNop(),
	})

	wf := &entity.Workflow{
		ID:   "wf-rollback",
		Name: "mkdir-then-fail",
		Steps: []*entity.Step{
			{ID: "make", Type: entity.StepTool, Config: map[string]interface{}{"command": "mkdir", "args": []interface{}{"X"}}},
			{ID: "crash", Type: entity.StepTool, DependsOn: []string{"make"},
				Config:   map[string]interface{}{"command": "false"},
				Rollback: map[string]interface{}{"command": "rmdir", "args": []interface{}{"X"}},
			},
		},
	}
	if err := e.Create(context.Background(), wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	final := waitForStatus(t, store, "wf-rollback", entity.WorkflowFailed, time.Second)
	if final.StepByID("crash").Status != entity.StepFailed {
		t.Fatalf("expected failed step, got %v", final.StepByID("crash").Status)
	}

	tools.mu.Lock()
	defer tools.mu.Unlock()
	sawRollback := false
	for _, inv := range tools.ran {
		if inv[0] == "rmdir" {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Errorf("expected rollback command to run, invocations: %v", tools.ran)
	}
}

func TestEngine_ResumeAllDemotesRunningStepsAndFinishes(t *testing.T) {
	e, store := newTestEngine(&fakeLLM{})

	// A workflow persisted mid-flight: the process died while step
	// "mid" was running.
	started := time.Now().Add(-time.Minute)
	wf := &entity.Workflow{
		ID:     "wf-crash",
		Name:   "interrupted",
		Status: entity.WorkflowRunning,
		Steps: []*entity.Step{
			{ID: "done", Type: entity.StepLLM, Status: entity.StepCompleted, Config: map[string]interface{}{"prompt": "a"}},
			{ID: "mid", Type: entity.StepLLM, Status: entity.StepRunning, StartedAt: &started, DependsOn: []string{"done"}, Config: map[string]interface{}{"prompt": "b"}},
			{ID: "tail", Type: entity.StepLLM, Status: entity.StepPending, DependsOn: []string{"mid"}, Config: map[string]interface{}{"prompt": "c"}},
		},
	}
	if err := store.Save(wf); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.ResumeAll(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	final := waitForStatus(t, store, "wf-crash", entity.WorkflowCompleted, time.Second)
	for _, id := range []string{"mid", "tail"} {
		if final.StepByID(id).Status != entity.StepCompleted {
			t.Errorf("step %s = %v, want completed", id, final.StepByID(id).Status)
		}
	}
}

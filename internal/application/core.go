package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	domaincontext "github.com/kestrelrun/kestrel/internal/domain/context"
	"github.com/kestrelrun/kestrel/internal/domain/cron"
	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/intent"
	"github.com/kestrelrun/kestrel/internal/domain/queue"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
	"github.com/kestrelrun/kestrel/internal/domain/service"
	"github.com/kestrelrun/kestrel/internal/domain/workflow"
	"github.com/kestrelrun/kestrel/internal/infrastructure/eventbus"
	"github.com/kestrelrun/kestrel/internal/infrastructure/llmcli"
	"github.com/kestrelrun/kestrel/internal/infrastructure/monitoring"
	"github.com/kestrelrun/kestrel/internal/interfaces/ipc"
)

// maxHistoryTurns bounds the per-correspondent conversation history
// view; the LLM subprocess holds the full dialogue itself.
const maxHistoryTurns = 50

// sessionState tracks one correspondent's live session (id + token
// count) and bounded conversation history for the Context Gate / gap
// recap heuristics.
type sessionState struct {
	session       *entity.Session
	history       *entity.ConversationHistory
	lastMessageAt time.Time
	transcript    strings.Builder
}

func (s *sessionState) pushTurn(role entity.HistoryRole, text string, at time.Time) {
	s.history.Append(entity.HistoryTurn{Role: role, Content: text, Timestamp: at})
	fmt.Fprintf(&s.transcript, "%s: %s\n", role, text)
}

// recentTurns renders the last n history turns as "role: text" lines
// for the assembler's conversation-gap recap.
func (s *sessionState) recentTurns(n int) []string {
	turns := s.history.Turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+": "+t.Content)
	}
	return out
}

// Core wires the Work Queue, Cron Scheduler, Workflow Engine, LLM
// Adapter, Intent Router, Context Assembler, Memory Index, and
// Outcome Tracker into a single inbound-message pipeline. App
// constructs a Core during initialization; the telegram and repl
// surfaces route inbound messages through Core.HandleInboundMessage,
// while the cmd/cli console drives its own adapter from NewAdapter.
type Core struct {
	logger *zap.Logger

	work      *queue.Queue
	cronSched *cron.Scheduler
	cronStore cron.Store
	wfEngine  *workflow.Engine
	wfStore   workflow.Store
	assembler *domaincontext.Assembler
	outcome   *service.OutcomeTracker

	llmCfg llmcli.Config
	ceiling int

	goals repository.GoalRepository
	// messages is the audit trail of turns run through Core — nil
	// disables persistence (e.g. CLI mode, where there's no durable
	// conversation to recover).
	messages repository.MessageRepository

	// deliverer/tools/files back the SEND_FILE and TOOL_CALL action
	// markers. All optional: a nil collaborator downgrades the marker
	// to a logged no-op (e.g. CLI mode has no attachment channel).
	deliverer Deliverer
	tools     ToolInvoker
	files     FileSender

	// ops records per-call cost entries and component errors.
	// Best-effort; nil disables the trail.
	ops OpsLog

	events  eventbus.Bus
	monitor *monitoring.Monitor

	sessMu   sync.Mutex
	sessions map[string]*sessionState
	adapters map[string]*llmcli.Adapter

	// resetGroup collapses concurrent pressure-triggered
	// summarize-and-reset calls for the same submitterKey into one
	// summarization/compress round trip.
	resetGroup singleflight.Group
}

// CoreDeps bundles Core's collaborators.
type CoreDeps struct {
	Logger        *zap.Logger
	Work          *queue.Queue
	Cron          *cron.Scheduler
	CronStore     cron.Store
	Workflow      *workflow.Engine
	WorkflowStore workflow.Store
	Assembler     *domaincontext.Assembler
	Outcome       *service.OutcomeTracker
	LLMConfig     llmcli.Config
	Ceiling       int
	Goals         repository.GoalRepository
	Messages      repository.MessageRepository

	// Deliverer carries TOOL_CALL follow-up output; Tools and Files
	// execute the TOOL_CALL and SEND_FILE markers. All optional.
	Deliverer Deliverer
	Tools     ToolInvoker
	Files     FileSender

	// Ops, if set, receives per-call cost entries and component errors.
	Ops OpsLog

	// Events and Monitor are optional; when set they're forwarded to
	// the IPC surface's websocket push (see IPCDeps).
	Events  eventbus.Bus
	Monitor *monitoring.Monitor
}

func NewCore(d CoreDeps) *Core {
	ceiling := d.Ceiling
	if ceiling <= 0 {
		ceiling = 150000
	}
	return &Core{
		logger:    d.Logger,
		work:      d.Work,
		cronSched: d.Cron,
		cronStore: d.CronStore,
		wfEngine:  d.Workflow,
		wfStore:   d.WorkflowStore,
		assembler: d.Assembler,
		outcome:   d.Outcome,
		llmCfg:    d.LLMConfig,
		ceiling:   ceiling,
		goals:     d.Goals,
		messages:  d.Messages,
		deliverer: d.Deliverer,
		tools:     d.Tools,
		files:     d.Files,
		ops:       d.Ops,
		events:    d.Events,
		monitor:   d.Monitor,
		sessions:  make(map[string]*sessionState),
		adapters:  make(map[string]*llmcli.Adapter),
	}
}

// IPCDeps exposes Core's collaborators to the loopback IPC surface.
// ClearSession reuses the same session-teardown path as the
// VerbClear built-in verb.
func (c *Core) IPCDeps() ipc.Deps {
	return ipc.Deps{
		CronScheduler: c.cronSched,
		CronStore:     c.cronStore,
		WorkflowStore: c.wfStore,
		Workflow:      c.wfEngine,
		Goals:         c.goals,
		Work:          c.work,
		ClearSession:  c.ClearSession,
		Logger:        c.logger,
		Events:        c.events,
		Monitor:       c.monitor,
	}
}

// ClearSession drops submitterKey's in-memory session state and closes
// its persistent LLM CLI adapter, if any. Used by the built-in "clear"
// verb, the IPC surface, and channel-level history-clear commands.
func (c *Core) ClearSession(submitterKey string) {
	c.sessMu.Lock()
	delete(c.sessions, submitterKey)
	if a, ok := c.adapters[submitterKey]; ok {
		a.Close()
		delete(c.adapters, submitterKey)
	}
	live := len(c.sessions)
	c.sessMu.Unlock()
	if c.monitor != nil {
		c.monitor.SetActiveSessions(int64(live))
	}
}

// Start loads persisted crons/workflows and begins dispatching.
func (c *Core) Start(ctx context.Context) error {
	if c.cronSched != nil {
		if err := c.cronSched.LoadAll(ctx); err != nil {
			return fmt.Errorf("core: load crons: %w", err)
		}
		c.cronSched.Start()
	}
	if c.wfEngine != nil {
		if err := c.wfEngine.ResumeAll(ctx); err != nil {
			return fmt.Errorf("core: resume workflows: %w", err)
		}
	}
	return nil
}

// Stop halts the cron scheduler and drains the work queue.
func (c *Core) Stop(ctx context.Context) {
	if c.cronSched != nil {
		c.cronSched.Stop()
	}
	if c.work != nil {
		c.work.Drain(10 * time.Second)
	}
	c.sessMu.Lock()
	for _, a := range c.adapters {
		a.Close()
	}
	c.sessMu.Unlock()
}

func (c *Core) session(submitterKey string) *sessionState {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	s, ok := c.sessions[submitterKey]
	if !ok {
		sess := entity.NewSession()
		sess.Start(uuid.New().String())
		s = &sessionState{
			session: sess,
			history: entity.NewConversationHistory(submitterKey, maxHistoryTurns),
		}
		c.sessions[submitterKey] = s
		if c.monitor != nil {
			c.monitor.SetActiveSessions(int64(len(c.sessions)))
		}
	}
	return s
}

// NewAdapter builds a fresh persistent llmcli.Adapter against Core's
// LLM CLI configuration, for callers that want their own session
// outside the submitter-keyed map (the cmd/cli operator console).
func (c *Core) NewAdapter() *llmcli.Adapter {
	return llmcli.NewPersistent(c.llmCfg, c.logger)
}

func (c *Core) adapterFor(submitterKey string) *llmcli.Adapter {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	a, ok := c.adapters[submitterKey]
	if !ok {
		a = llmcli.NewPersistent(c.llmCfg, c.logger)
		c.adapters[submitterKey] = a
	}
	return a
}

// HandleInboundMessage runs one correspondent turn end to end: outcome
// observation, built-in verb short-circuit, fair-share admission,
// context assembly + gate, the LLM call, and action-marker dispatch.
// It returns the text to deliver back to submitterKey.
func (c *Core) HandleInboundMessage(ctx context.Context, submitterKey, text string, now time.Time) (string, error) {
	if c.outcome != nil {
		c.outcome.ObserveReply(ctx, submitterKey, text)
	}

	if c.wfEngine != nil && c.wfStore != nil {
		if wfID := c.pausedWorkflowFor(submitterKey); wfID != "" {
			if handled := c.wfEngine.Fulfill(ctx, wfID, text); handled {
				return "", nil
			}
		}
	}

	if verb, ok := intent.Classify(text); ok {
		return c.handleVerb(ctx, submitterKey, verb)
	}

	future, err := c.work.Submit(ctx, submitterKey, func(ctx context.Context) (interface{}, error) {
		return c.runTurn(ctx, submitterKey, text, now)
	})
	if err != nil {
		return "", err
	}
	result, err := future.Wait(ctx)
	if err != nil {
		return "", err
	}
	reply, _ := result.(string)
	return reply, nil
}

// pausedWorkflowFor returns the id of the most recently updated
// paused workflow belonging to submitterKey, or "" if none is
// waiting on a reply.
func (c *Core) pausedWorkflowFor(submitterKey string) string {
	return c.latestWorkflowFor(submitterKey, entity.WorkflowPaused)
}

// latestWorkflowFor returns the id of submitterKey's most recently
// updated workflow in any of the given statuses, or "".
func (c *Core) latestWorkflowFor(submitterKey string, statuses ...entity.WorkflowStatus) string {
	workflows, err := c.wfStore.List()
	if err != nil {
		return ""
	}
	var best *entity.Workflow
	for _, wf := range workflows {
		if wf.SubmitterKey != submitterKey {
			continue
		}
		matched := false
		for _, st := range statuses {
			if wf.Status == st {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if best == nil || wf.UpdatedAt.After(best.UpdatedAt) {
			best = wf
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func (c *Core) handleVerb(ctx context.Context, submitterKey string, verb intent.Verb) (string, error) {
	switch verb {
	case intent.VerbStatus:
		stats := c.work.Stats()
		return fmt.Sprintf("in-flight: %d, waiting: %d", stats.InFlight, stats.Waiting), nil
	case intent.VerbClear:
		c.ClearSession(submitterKey)
		return "session cleared", nil
	case intent.VerbCronList:
		return c.CronSummary(ctx)
	case intent.VerbCancel:
		if id := c.latestWorkflowFor(submitterKey, entity.WorkflowRunning, entity.WorkflowPaused); id != "" {
			if err := c.wfEngine.Cancel(id); err != nil {
				return "", err
			}
			return "workflow cancelled", nil
		}
		return "nothing to cancel", nil
	case intent.VerbPause:
		if id := c.latestWorkflowFor(submitterKey, entity.WorkflowRunning); id != "" {
			if err := c.wfEngine.Pause(id); err != nil {
				return "", err
			}
			return "workflow paused", nil
		}
		return "nothing to pause", nil
	case intent.VerbResume:
		if id := c.latestWorkflowFor(submitterKey, entity.WorkflowPaused); id != "" {
			if err := c.wfEngine.Resume(ctx, id); err != nil {
				return "", err
			}
			return "workflow resumed", nil
		}
		return "nothing to resume", nil
	default:
		return fmt.Sprintf("%s acknowledged", verb), nil
	}
}

// CronSummary renders the persisted cron table as one line per job.
// Shared by the built-in "cron list" verb and the channel /crons
// command.
func (c *Core) CronSummary(ctx context.Context) (string, error) {
	jobs, err := c.cronStore.List(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s: %s (%s)\n", j.Name, j.Schedule, j.StatusString())
	}
	if b.Len() == 0 {
		return "no crons configured", nil
	}
	return b.String(), nil
}

func (c *Core) runTurn(ctx context.Context, submitterKey, text string, now time.Time) (string, error) {
	sess := c.session(submitterKey)

	assembled, err := c.assembler.Assemble(ctx, domaincontext.AssembleRequest{
		SubmitterKey:       submitterKey,
		UserMessage:        text,
		Now:                now,
		LastMessageAt:      sess.lastMessageAt,
		RecentTurns:        sess.recentTurns(6),
		SessionTokensSoFar: int(sess.session.TokenCount()),
		Ceiling:            c.ceiling,
	})
	if err != nil {
		return "", fmt.Errorf("core: assemble context: %w", err)
	}

	if assembled.GateResult.ResetNeeded {
		c.resetSession(ctx, submitterKey, sess, assembled.Prompt)
	}

	adapter := c.adapterFor(submitterKey)
	if c.monitor != nil {
		c.monitor.IncRequestTotal()
		c.monitor.IncModelCall()
	}
	res, err := adapter.Call(ctx, llmcli.Request{
		Prompt:       text,
		SystemPrompt: assembled.Prompt,
		SessionID:    sess.session.ID(),
	}, llmcli.StreamOptions{})
	if err != nil {
		if c.monitor != nil {
			c.monitor.IncRequestFailed()
		}
		if c.ops != nil {
			_ = c.ops.RecordError(ctx, "llmcli", "call_failed", err.Error())
		}
		return "", fmt.Errorf("core: llm call: %w", err)
	}
	if c.monitor != nil {
		c.monitor.IncRequestSuccess()
		c.monitor.AddTokensUsed(int(res.Usage.InputTokens + res.Usage.OutputTokens))
	}
	if c.ops != nil {
		_ = c.ops.RecordCost(ctx, &entity.CostEntry{
			SessionID:       sess.session.ID(),
			SubmitterKey:    submitterKey,
			InputTokens:     res.Usage.InputTokens,
			OutputTokens:    res.Usage.OutputTokens,
			CacheReadTokens: res.Usage.CacheReadTokens,
			CostUSD:         res.Usage.CostUSD,
		})
	}

	sess.session.AddTokens(res.Usage.InputTokens + res.Usage.OutputTokens)
	sess.lastMessageAt = now
	sess.pushTurn(entity.RoleUser, text, now)
	sess.pushTurn(entity.RoleAssistant, res.FinalText, time.Now())
	c.persistTurn(ctx, submitterKey, text, res.FinalText)

	if len(res.Actions) > 0 {
		c.dispatchActions(ctx, submitterKey, res.Actions)
	}

	return res.FinalText, nil
}

// persistTurn records the user message and the reply in the message
// audit trail keyed by submitterKey. Best-effort: a persistence
// failure is logged but never fails the turn itself.
func (c *Core) persistTurn(ctx context.Context, submitterKey, userText, replyText string) {
	if c.messages == nil {
		return
	}
	for _, half := range []struct {
		role entity.HistoryRole
		text string
	}{
		{entity.RoleUser, userText},
		{entity.RoleAssistant, replyText},
	} {
		record, err := entity.NewMessageRecord(uuid.New().String(), submitterKey, half.role, half.text)
		if err != nil {
			continue
		}
		if err := c.messages.Save(ctx, record); err != nil {
			c.logger.Warn("core: persist turn failed", zap.String("role", string(half.role)), zap.Error(err))
		}
	}
}

// resetSession summarizes the running transcript and starts a fresh
// LLM CLI session primed with that summary. Concurrent triggers for
// the same submitterKey (a burst of inbound messages all crossing the
// token ceiling at once) collapse onto a single summarize+compress
// round trip via resetGroup — every caller gets the same new session.
func (c *Core) resetSession(ctx context.Context, submitterKey string, sess *sessionState, newSystemPrompt string) {
	transcript := sess.transcript.String()

	v, err, _ := c.resetGroup.Do(submitterKey, func() (interface{}, error) {
		var summary string
		if adapter, ok := c.adapters[submitterKey]; ok {
			summarizer := domaincontext.NewLLMSummarizer(&sessionSummaryClient{adapter: adapter})
			if s, ok := domaincontext.SummarizeWithTimeout(ctx, summarizer, transcript); ok {
				summary = s
			}
		}
		if summary == "" {
			summary = domaincontext.FallbackSummary()
		}

		newSessionID := uuid.New().String()
		if adapter, ok := c.adapters[submitterKey]; ok {
			_ = adapter.Compress(ctx, newSessionID, newSystemPrompt, summary)
		}
		return [2]string{newSessionID, summary}, nil
	})
	if err != nil {
		return
	}

	pair := v.([2]string)
	sess.session.Compress(pair[0], pair[1])
	sess.transcript.Reset()
	sess.history = entity.NewConversationHistory(submitterKey, maxHistoryTurns)
}

// sessionSummaryClient adapts *llmcli.Adapter to
// domaincontext.SessionClient for the pre-reset compaction summary.
type sessionSummaryClient struct {
	adapter *llmcli.Adapter
}

func (s *sessionSummaryClient) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := s.adapter.Call(ctx, llmcli.Request{Prompt: prompt}, llmcli.StreamOptions{})
	if err != nil {
		return "", err
	}
	return res.FinalText, nil
}

// dispatchActions applies action markers extracted from the reply:
// cron CRUD against the scheduler, SEND_FILE through the channel's
// FileSender, TOOL_CALL through the tool registry with the output
// delivered as a follow-up message.
func (c *Core) dispatchActions(ctx context.Context, submitterKey string, actions []intent.Action) {
	for _, act := range actions {
		switch act.Kind {
		case intent.ActionCronAdd:
			fields, ok := act.AsCronAdd()
			if !ok {
				continue
			}
			job := &entity.CronJob{
				ID:           uuid.New().String(),
				Name:         fields.Name,
				Schedule:     fields.Schedule,
				Prompt:       fields.Prompt,
				Enabled:      true,
				Delivery:     entity.DeliveryMode(fields.Delivery),
				Model:        fields.Model,
				SubmitterKey: submitterKey,
			}
			if err := c.cronSched.Upsert(ctx, job); err != nil {
				c.logger.Warn("core: cron_add failed", zap.Error(err), zap.String("name", fields.Name))
			}
		case intent.ActionCronDelete:
			c.cronAction(ctx, act, func(id string) error {
				return c.cronSched.Remove(ctx, id)
			})
		case intent.ActionCronToggle:
			c.cronAction(ctx, act, func(id string) error {
				_, err := c.cronSched.Toggle(ctx, id)
				return err
			})
		case intent.ActionCronRun:
			c.cronAction(ctx, act, func(id string) error {
				return c.cronSched.RunNow(ctx, id)
			})
		case intent.ActionSendFile:
			if c.files == nil || len(act.Fields) == 0 {
				c.logger.Debug("core: send_file marker with no file sender wired")
				continue
			}
			path := strings.TrimSpace(act.Fields[0])
			if err := c.files.SendFile(ctx, submitterKey, path); err != nil {
				c.logger.Warn("core: send_file failed", zap.Error(err), zap.String("path", path))
			}
		case intent.ActionToolCall:
			c.runToolCall(ctx, submitterKey, act)
		}
	}
}

// cronAction resolves the marker's id-or-name field and applies fn to
// the resolved job id.
func (c *Core) cronAction(ctx context.Context, act intent.Action, fn func(id string) error) {
	if len(act.Fields) == 0 {
		return
	}
	ref := strings.TrimSpace(act.Fields[0])
	job, err := c.cronSched.Resolve(ctx, ref)
	if err != nil {
		c.logger.Warn("core: cron marker target not found", zap.String("kind", string(act.Kind)), zap.String("ref", ref))
		return
	}
	if err := fn(job.ID); err != nil {
		c.logger.Warn("core: cron marker failed", zap.String("kind", string(act.Kind)), zap.String("job", job.Name), zap.Error(err))
	}
}

// runToolCall executes a TOOL_CALL marker and delivers the tool's
// output as a follow-up message to the same correspondent.
func (c *Core) runToolCall(ctx context.Context, submitterKey string, act intent.Action) {
	if c.tools == nil || len(act.Fields) == 0 {
		return
	}
	name := strings.TrimSpace(act.Fields[0])
	params := "{}"
	if len(act.Fields) > 1 && strings.TrimSpace(act.Fields[1]) != "" {
		params = strings.TrimSpace(act.Fields[1])
	}
	output, err := c.tools.Invoke(ctx, submitterKey, name, params)
	if err != nil {
		c.logger.Warn("core: tool_call failed", zap.String("tool", name), zap.Error(err))
		output = fmt.Sprintf("tool %s failed: %s", name, err.Error())
	}
	if output == "" || c.deliverer == nil {
		return
	}
	if err := c.deliverer.Deliver(ctx, submitterKey, output); err != nil {
		c.logger.Warn("core: tool_call follow-up delivery failed", zap.String("tool", name), zap.Error(err))
	}
}

package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/service"
	"github.com/kestrelrun/kestrel/internal/domain/workflow"
	toolpkg "github.com/kestrelrun/kestrel/internal/infrastructure/tool"
)

// Deliverer sends an outbound message to one correspondent. The
// implementations are telegramDeliverer for the Telegram channel and
// noopDeliverer where no channel is wired; Core depends only on this
// narrow contract so it never imports an interfaces/ package.
type Deliverer interface {
	Deliver(ctx context.Context, submitterKey, text string) error
}

// ToolInvoker executes a registered external tool by name with raw
// JSON parameters, returning the tool's textual output. Backed by the
// tool registry; Core delivers the output as a follow-up message when
// a TOOL_CALL marker arrives.
type ToolInvoker interface {
	Invoke(ctx context.Context, submitterKey, name, paramsJSON string) (string, error)
}

// FileSender transfers a workspace file to the correspondent's
// channel (a SEND_FILE marker). Channels without attachment support
// leave this nil and Core logs the marker instead.
type FileSender interface {
	SendFile(ctx context.Context, submitterKey, path string) error
}

// OpsLog is the persisted cost/error trail behind Core. Implemented by
// persistence.GormOpsLog; both writes are best-effort.
type OpsLog interface {
	RecordCost(ctx context.Context, e *entity.CostEntry) error
	RecordError(ctx context.Context, component, kind, message string) error
}

// cronDeliveryBridge adapts a Deliverer + OutcomeTracker into
// cron.Announcer and cron.Alerter.
type cronDeliveryBridge struct {
	deliverer Deliverer
	outcome   *service.OutcomeTracker
}

func (b *cronDeliveryBridge) Announce(ctx context.Context, job *entity.CronJob, reply string) {
	msgID := job.ID + ":" + job.LastRun.Format("20060102150405")
	if err := b.deliverer.Deliver(ctx, job.SubmitterKey, reply); err == nil {
		b.outcome.NotifyBotMessage(job.SubmitterKey, msgID, "cron_announce")
		_ = toolpkg.AppendDailyLog(fmt.Sprintf("cron %q: %s", job.Name, firstLine(reply)))
	}
}

// firstLine truncates a reply to its first line, capped at 120 bytes,
// for the daily-log trail.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}

func (b *cronDeliveryBridge) Alert(ctx context.Context, job *entity.CronJob, message string) {
	_ = b.deliverer.Deliver(ctx, job.SubmitterKey, "[alert] "+message)
}

// workflowAsker adapts a Deliverer + OutcomeTracker into
// workflow.InputAsker, looking the workflow's submitter key up from
// the store since Ask's signature carries only the workflow/step ids.
type workflowAsker struct {
	deliverer Deliverer
	outcome   *service.OutcomeTracker
	store     workflow.Store
}

func (a *workflowAsker) Ask(ctx context.Context, workflowID, stepID, question string) error {
	wf, err := a.store.Load(workflowID)
	if err != nil {
		return err
	}
	if err := a.deliverer.Deliver(ctx, wf.SubmitterKey, question); err != nil {
		return err
	}
	a.outcome.NotifyBotMessage(wf.SubmitterKey, workflowID+":"+stepID, "workflow_wait_input")
	return nil
}

package application

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/interfaces/telegram"
)

// coreMessageHandler implements telegram.MessageHandler,
// telegram.RunController, and telegram.HistoryClearer by delegating
// every inbound chat message to Core.HandleInboundMessage —
// conversation state, context assembly, and the LLM CLI call all live
// in Core, keyed by the chat id rendered as a decimal submitterKey.
// This replaces the legacy ReAct-loop-driven handler that ran its own
// client-side message history against a hosted LLM router.
type coreMessageHandler struct {
	core      *Core
	tgAdapter *telegram.Adapter
	media     *telegram.MediaProcessor
	logger    *zap.Logger

	// activeRuns lets /stop and a fresh inbound message interrupt an
	// in-flight turn for the same chat.
	activeRuns sync.Map // map[int64]context.CancelFunc
}

func submitterKeyForChat(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (h *coreMessageHandler) HandleMessage(ctx context.Context, msg *telegram.IncomingMessage) (*telegram.OutgoingMessage, error) {
	if oldCancel, ok := h.activeRuns.Load(msg.ChatID); ok {
		oldCancel.(context.CancelFunc)()
		h.logger.Info("Interrupted previous run", zap.Int64("chat_id", msg.ChatID))
	}

	runCtx, runCancel := context.WithCancel(ctx)
	h.activeRuns.Store(msg.ChatID, runCancel)
	defer func() {
		runCancel()
		h.activeRuns.Delete(msg.ChatID)
	}()

	h.tgAdapter.SendTyping(msg.ChatID)

	staged := h.tgAdapter.CreateStagedReply(msg.ChatID)
	_ = staged.StatusThinking()

	// Media attachments ride into the turn as text descriptions (or
	// inline data URIs for images) appended to the user's caption.
	text := msg.Text
	if h.media != nil && msg.Media != nil && len(msg.MediaData) > 0 {
		if desc := h.media.DescribeMedia(msg.Media, msg.MediaData); desc != "" {
			if text == "" {
				text = desc
			} else {
				text = text + "\n" + desc
			}
		}
	}

	submitterKey := submitterKeyForChat(msg.ChatID)
	reply, err := h.core.HandleInboundMessage(runCtx, submitterKey, text, time.Now())
	if err != nil {
		if runCtx.Err() != nil {
			_ = staged.DeliverWithSuffix(h.tgAdapter, "(被用户打断)", "⏹ <i>已中断</i>")
			return nil, nil
		}
		_ = staged.StatusCustom("❌ " + err.Error())
		return nil, err
	}

	if reply == "" {
		// Paused-workflow fulfillment replies empty; the workflow
		// delivers its own follow-ups. Nothing to deliver here.
		return nil, nil
	}

	if err := staged.DeliverWithSuffix(h.tgAdapter, reply, "<i>— Kestrel</i>"); err != nil {
		h.logger.Error("TG delivery failed", zap.Error(err), zap.Int64("chat_id", msg.ChatID))
	}
	return nil, nil
}

// ===== RunController =====

func (h *coreMessageHandler) AbortRun(chatID int64) bool {
	if cancel, ok := h.activeRuns.Load(chatID); ok {
		cancel.(context.CancelFunc)()
		return true
	}
	return false
}

func (h *coreMessageHandler) IsRunActive(chatID int64) bool {
	_, ok := h.activeRuns.Load(chatID)
	return ok
}

func (h *coreMessageHandler) GetRunState(chatID int64) string {
	if h.IsRunActive(chatID) {
		return "running"
	}
	return "idle"
}

// ===== HistoryClearer =====

func (h *coreMessageHandler) ClearHistory(chatID int64) {
	h.core.ClearSession(submitterKeyForChat(chatID))
}

// ===== CronLister =====

func (h *coreMessageHandler) ListCrons(ctx context.Context) (string, error) {
	return h.core.CronSummary(ctx)
}

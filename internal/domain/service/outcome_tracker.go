// Copyright 2026 Kestrel Authors. All rights reserved.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
)

// OutcomePersister saves a classified ReplyOutcome. This decouples
// the tracker from the infrastructure/persistence package.
type OutcomePersister interface {
	Save(ctx context.Context, outcome *entity.ReplyOutcome) error
}

// pendingBotMessage records a bot-initiated outbound message awaiting
// a within-window reply to classify.
type pendingBotMessage struct {
	botMsgID string
	signal   string
	sentAt   time.Time
	timer    *time.Timer
}

// OutcomeTracker watches for a user's reply to a bot-initiated action
// (cron announcement, workflow wait_input question, proactive nudge)
// and classifies the reaction as positive/negative/none once the
// window closes or a reply arrives, persisting a ReplyOutcome row.
type OutcomeTracker struct {
	persister OutcomePersister
	logger    *zap.Logger
	window    time.Duration

	mu      sync.Mutex
	pending map[string]*pendingBotMessage // submitterKey -> awaited reply
}

const defaultOutcomeWindow = 10 * time.Minute

// NewOutcomeTracker creates a tracker with the default 10
// minute reply window.
func NewOutcomeTracker(persister OutcomePersister, logger *zap.Logger) *OutcomeTracker {
	return &OutcomeTracker{
		persister: persister,
		logger:    logger,
		window:    defaultOutcomeWindow,
		pending:   make(map[string]*pendingBotMessage),
	}
}

// NotifyBotMessage records that the bot just sent an outbound message
// to submitterKey as part of signal (e.g. "cron_announce",
// "workflow_wait_input"). If no reply arrives within the window, the
// pending entry is dropped with sentiment "none" recorded.
func (t *OutcomeTracker) NotifyBotMessage(submitterKey, botMsgID, signal string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[submitterKey]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	entry := &pendingBotMessage{botMsgID: botMsgID, signal: signal, sentAt: time.Now()}
	entry.timer = time.AfterFunc(t.window, func() {
		t.expire(submitterKey, entry)
	})
	t.pending[submitterKey] = entry
}

// ObserveReply checks whether submitterKey has a pending bot message
// still within its window; if so it classifies userText's sentiment
// and persists the outcome, then clears the pending entry. Returns
// false if there was nothing pending (an ordinary turn, not a
// reaction to a bot-initiated action).
func (t *OutcomeTracker) ObserveReply(ctx context.Context, submitterKey, userText string) bool {
	t.mu.Lock()
	entry, ok := t.pending[submitterKey]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.pending, submitterKey)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	elapsed := time.Since(entry.sentAt)
	if elapsed > t.window {
		return false
	}

	t.record(ctx, entry, userText, elapsed)
	return true
}

func (t *OutcomeTracker) expire(submitterKey string, entry *pendingBotMessage) {
	t.mu.Lock()
	if current, ok := t.pending[submitterKey]; ok && current == entry {
		delete(t.pending, submitterKey)
	}
	t.mu.Unlock()

	t.record(context.Background(), entry, "", t.window)
}

func (t *OutcomeTracker) record(ctx context.Context, entry *pendingBotMessage, userText string, elapsed time.Duration) {
	sentiment, classification := classifySentiment(userText)

	outcome := &entity.ReplyOutcome{
		ID:             uuid.New().String(),
		BotMsgID:       entry.botMsgID,
		Signal:         entry.signal,
		Sentiment:      sentiment,
		Classification: classification,
		UserResponse:   entity.TruncateResponse(userText),
		WindowMs:       elapsed.Milliseconds(),
		CreatedAt:      time.Now(),
	}

	if err := t.persister.Save(ctx, outcome); err != nil && t.logger != nil {
		t.logger.Warn("outcome_tracker: failed to persist reply outcome", zap.Error(err), zap.String("signal", entry.signal))
	}
}

var positiveMarkers = []string{"thanks", "thank you", "great", "nice", "perfect", "awesome", "good job", "yes", "ok", "sounds good", "love it"}
var negativeMarkers = []string{"stop", "no", "wrong", "not what", "ugh", "annoying", "don't", "cancel", "useless", "bad"}

// classifySentiment applies a lightweight keyword heuristic; the
// classification label records which bucket matched for later
// auditing.
func classifySentiment(text string) (entity.Sentiment, string) {
	if strings.TrimSpace(text) == "" {
		return entity.SentimentNone, "no_reply_within_window"
	}
	lower := strings.ToLower(text)
	for _, m := range negativeMarkers {
		if strings.Contains(lower, m) {
			return entity.SentimentNegative, "keyword:" + m
		}
	}
	for _, m := range positiveMarkers {
		if strings.Contains(lower, m) {
			return entity.SentimentPositive, "keyword:" + m
		}
	}
	return entity.SentimentNone, "unclassified"
}

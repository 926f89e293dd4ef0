package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
)

type fakeOutcomePersister struct {
	mu       sync.Mutex
	outcomes []*entity.ReplyOutcome
}

func (f *fakeOutcomePersister) Save(ctx context.Context, outcome *entity.ReplyOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeOutcomePersister) last() *entity.ReplyOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return nil
	}
	return f.outcomes[len(f.outcomes)-1]
}

func (f *fakeOutcomePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outcomes)
}

func TestOutcomeTracker_ObserveReply_WithinWindow(t *testing.T) {
	persister := &fakeOutcomePersister{}
	tracker := NewOutcomeTracker(persister, nil)

	tracker.NotifyBotMessage("user1", "msg-1", "cron_announce")
	ok := tracker.ObserveReply(context.Background(), "user1", "thanks, great job")
	if !ok {
		t.Fatalf("expected ObserveReply to report a pending outcome")
	}

	outcome := persister.last()
	if outcome == nil {
		t.Fatalf("expected an outcome to be persisted")
	}
	if outcome.Sentiment != entity.SentimentPositive {
		t.Errorf("expected positive sentiment, got %v", outcome.Sentiment)
	}
	if outcome.BotMsgID != "msg-1" || outcome.Signal != "cron_announce" {
		t.Errorf("unexpected outcome fields: %+v", outcome)
	}
}

func TestOutcomeTracker_ObserveReply_NegativeKeyword(t *testing.T) {
	persister := &fakeOutcomePersister{}
	tracker := NewOutcomeTracker(persister, nil)

	tracker.NotifyBotMessage("user1", "msg-1", "workflow_wait_input")
	tracker.ObserveReply(context.Background(), "user1", "no, that's wrong")

	outcome := persister.last()
	if outcome == nil || outcome.Sentiment != entity.SentimentNegative {
		t.Fatalf("expected negative sentiment, got %+v", outcome)
	}
}

func TestOutcomeTracker_ObserveReply_NoPendingMessage(t *testing.T) {
	persister := &fakeOutcomePersister{}
	tracker := NewOutcomeTracker(persister, nil)

	ok := tracker.ObserveReply(context.Background(), "user1", "hello there")
	if ok {
		t.Errorf("expected ObserveReply to return false with no pending bot message")
	}
	if persister.count() != 0 {
		t.Errorf("expected no outcome persisted, got %d", persister.count())
	}
}

func TestOutcomeTracker_NotifyBotMessage_ReplacesPrevious(t *testing.T) {
	persister := &fakeOutcomePersister{}
	tracker := NewOutcomeTracker(persister, nil)

	tracker.NotifyBotMessage("user1", "msg-1", "cron_announce")
	tracker.NotifyBotMessage("user1", "msg-2", "workflow_wait_input")

	tracker.ObserveReply(context.Background(), "user1", "ok")

	outcome := persister.last()
	if outcome == nil || outcome.BotMsgID != "msg-2" {
		t.Fatalf("expected the latest pending message (msg-2) to be classified, got %+v", outcome)
	}
	if persister.count() != 1 {
		t.Errorf("expected exactly one outcome persisted, got %d", persister.count())
	}
}

func TestOutcomeTracker_Expire_RecordsNoneSentiment(t *testing.T) {
	persister := &fakeOutcomePersister{}
	tracker := NewOutcomeTracker(persister, nil)
	tracker.window = 10 * time.Millisecond

	tracker.NotifyBotMessage("user1", "msg-1", "cron_announce")

	deadline := time.Now().Add(2 * time.Second)
	for persister.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	outcome := persister.last()
	if outcome == nil {
		t.Fatalf("expected the expiry timer to persist a none-sentiment outcome")
	}
	if outcome.Sentiment != entity.SentimentNone {
		t.Errorf("expected none sentiment on expiry, got %v", outcome.Sentiment)
	}
	if outcome.Classification != "no_reply_within_window" {
		t.Errorf("unexpected classification: %q", outcome.Classification)
	}
}

func TestClassifySentiment(t *testing.T) {
	cases := []struct {
		text string
		want entity.Sentiment
	}{
		{"", entity.SentimentNone},
		{"thank you so much", entity.SentimentPositive},
		{"this is wrong, stop", entity.SentimentNegative},
		{"what time is it", entity.SentimentNone},
	}
	for _, c := range cases {
		got, _ := classifySentiment(c.text)
		if got != c.want {
			t.Errorf("classifySentiment(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

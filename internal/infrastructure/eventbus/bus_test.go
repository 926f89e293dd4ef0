package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBus_DeliversToTopicSubscriber(t *testing.T) {
	b := NewInMemoryBus(zap.NewNop(), 16)
	defer b.Close()

	var got atomic.Value
	b.Subscribe(TopicCronFired, func(ctx context.Context, ev Event) {
		got.Store(ev)
	})

	b.Publish(context.Background(), TopicCronFired, "payload-1")

	waitFor(t, func() bool { return got.Load() != nil }, time.Second)
	ev := got.Load().(Event)
	if ev.Topic != TopicCronFired || ev.Payload != "payload-1" {
		t.Errorf("delivered event = %+v", ev)
	}
	if ev.At.IsZero() {
		t.Error("event should carry a timestamp")
	}
}

func TestBus_WildcardReceivesEveryTopic(t *testing.T) {
	b := NewInMemoryBus(zap.NewNop(), 16)
	defer b.Close()

	var count atomic.Int64
	b.Subscribe(TopicAll, func(ctx context.Context, ev Event) {
		count.Add(1)
	})

	b.Publish(context.Background(), TopicCronFired, 1)
	b.Publish(context.Background(), TopicWorkflowTransition, 2)
	b.Publish(context.Background(), TopicMemoryIngested, 3)

	waitFor(t, func() bool { return count.Load() == 3 }, time.Second)
}

func TestBus_TopicIsolation(t *testing.T) {
	b := NewInMemoryBus(zap.NewNop(), 16)
	defer b.Close()

	var cronSeen, wfSeen atomic.Int64
	b.Subscribe(TopicCronFired, func(ctx context.Context, ev Event) { cronSeen.Add(1) })
	b.Subscribe(TopicWorkflowTransition, func(ctx context.Context, ev Event) { wfSeen.Add(1) })

	b.Publish(context.Background(), TopicWorkflowTransition, nil)

	waitFor(t, func() bool { return wfSeen.Load() == 1 }, time.Second)
	if cronSeen.Load() != 0 {
		t.Errorf("cron subscriber received a workflow event")
	}
}

func TestBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	b := NewInMemoryBus(zap.NewNop(), 16)
	defer b.Close()

	var after atomic.Int64
	b.Subscribe(TopicCronFired, func(ctx context.Context, ev Event) { panic("boom") })
	b.Subscribe(TopicCronFired, func(ctx context.Context, ev Event) { after.Add(1) })

	b.Publish(context.Background(), TopicCronFired, nil)
	b.Publish(context.Background(), TopicCronFired, nil)

	waitFor(t, func() bool { return after.Load() == 2 }, time.Second)
}

func TestBus_CloseDrainsQueueAndRejectsFurtherPublish(t *testing.T) {
	b := NewInMemoryBus(zap.NewNop(), 64)

	var mu sync.Mutex
	var seen []any
	b.Subscribe(TopicMemoryIngested, func(ctx context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev.Payload)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), TopicMemoryIngested, i)
	}
	b.Close()

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 10 {
		t.Errorf("expected Close to drain all 10 events, saw %d", n)
	}

	// Publishing after Close must be a silent no-op, not a panic on a
	// closed channel.
	b.Publish(context.Background(), TopicMemoryIngested, "late")
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := NewInMemoryBus(zap.NewNop(), 1)

	release := make(chan struct{})
	var delivered atomic.Int64
	b.Subscribe(TopicCronFired, func(ctx context.Context, ev Event) {
		<-release
		delivered.Add(1)
	})

	// First event occupies the dispatcher, second fills the buffer,
	// the rest must drop without blocking this goroutine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 8; i++ {
			b.Publish(context.Background(), TopicCronFired, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	close(release)
	b.Close()
	if delivered.Load() == 0 {
		t.Error("expected at least one delivery")
	}
}

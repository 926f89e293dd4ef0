package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestQueue_GlobalConcurrencyCap(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, MaxQueuePerUser: 10}, zap.NewNop())

	var current int32
	var maxSeen int32
	block := make(chan struct{})

	run := func(ctx context.Context) (interface{}, error) {
		cur := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
				break
			}
		}
		<-block
		atomic.AddInt32(&current, -1)
		return nil, nil
	}

	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		f, err := q.Submit(context.Background(), "user-a", run)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		futures = append(futures, f)
	}

	time.Sleep(50 * time.Millisecond)
	close(block)

	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	if maxSeen > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", maxSeen)
	}
}

func TestQueue_BacklogFullFailsFast(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 2}, zap.NewNop())

	block := make(chan struct{})
	slow := func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}

	if _, err := q.Submit(context.Background(), "user-a", slow); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := q.Submit(context.Background(), "user-a", slow); err != nil {
		t.Fatalf("second submit (should queue, not fail): %v", err)
	}
	if _, err := q.Submit(context.Background(), "user-a", slow); err == nil {
		t.Fatalf("expected backlog-full error for third submit")
	}

	close(block)
}

func TestQueue_DrainWaitsForInFlight(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, MaxQueuePerUser: 2}, zap.NewNop())

	done := make(chan struct{})
	_, err := q.Submit(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		close(done)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	remaining := q.Drain(500 * time.Millisecond)
	if remaining != 0 {
		t.Errorf("expected clean drain, got %d remaining", remaining)
	}
	select {
	case <-done:
	default:
		t.Errorf("expected in-flight task to have completed before Drain returned")
	}

	if _, err := q.Submit(context.Background(), "k", func(ctx context.Context) (interface{}, error) { return nil, nil }); err != ErrDraining {
		t.Errorf("expected ErrDraining after Drain, got %v", err)
	}
}

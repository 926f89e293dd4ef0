package cron

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
	mu   sync.Mutex
	jobs map[string]*entity.CronJob
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*entity.CronJob)}
}

func (s *memStore) Save(ctx context.Context, job *entity.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) List(ctx context.Context) ([]*entity.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) get(id string) *entity.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRunner) RunOneShot(ctx context.Context, job *entity.CronJob) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "hi", nil
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	delivered []string
}

func (a *fakeAnnouncer) Announce(ctx context.Context, job *entity.CronJob, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, reply)
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts int
}

func (a *fakeAlerter) Alert(ctx context.Context, job *entity.CronJob, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts++
}

func newTestScheduler(t *testing.T, runner *fakeRunner, store *memStore, announcer *fakeAnnouncer, alerter *fakeAlerter) *Scheduler {
	t.Helper()
	return New(Config{
		Runner:    runner,
		Announcer: announcer,
		Alerter:   alerter,
		Store:     store,
		Work:      queue.New(queue.Config{MaxConcurrent: 2, MaxQueuePerUser: 5}, zap.NewNop()),
		Logger:    zap.NewNop(),
	})
}

func TestScheduler_FireSuccessUpdatesStateAndAnnounces(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	announcer := &fakeAnnouncer{}
	alerter := &fakeAlerter{}
	s := newTestScheduler(t, runner, store, announcer, alerter)

	job := &entity.CronJob{ID: "j1", Name: "hello", Schedule: "*/1 * * * *", Timezone: "UTC", Prompt: "say hi", Enabled: true, Delivery: entity.DeliveryAnnounce}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s.fire(context.Background(), job.ID)

	saved := store.get(job.ID)
	if saved == nil {
		t.Fatalf("expected job to be persisted")
	}
	if saved.LastStatus != entity.CronStatusOK {
		t.Errorf("expected status ok, got %v", saved.LastStatus)
	}
	if saved.ConsecutiveErrors != 0 {
		t.Errorf("expected consecutiveErrors reset to 0, got %d", saved.ConsecutiveErrors)
	}
	announcer.mu.Lock()
	n := len(announcer.delivered)
	announcer.mu.Unlock()
	if n != 1 {
		t.Errorf("expected one announced reply, got %d", n)
	}
}

func TestScheduler_OverlapProtection(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner, store, &fakeAnnouncer{}, &fakeAlerter{})

	job := &entity.CronJob{ID: "j2", Name: "overlap", Schedule: "*/1 * * * *", Timezone: "UTC", Prompt: "x", Enabled: true}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s.running.Store(job.ID, struct{}{})
	s.fire(context.Background(), job.ID)
	s.running.Delete(job.ID)

	if runner.calls != 0 {
		t.Errorf("expected overlapping fire to be skipped, runner was called %d times", runner.calls)
	}
}

func TestScheduler_ConsecutiveErrorsTriggerAlert(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{err: errors.New("boom")}
	alerter := &fakeAlerter{}
	s := newTestScheduler(t, runner, store, &fakeAnnouncer{}, alerter)

	job := &entity.CronJob{ID: "j3", Name: "flaky", Schedule: "*/1 * * * *", Timezone: "UTC", Prompt: "x", Enabled: true, Delivery: entity.DeliveryAnnounce}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.fire(context.Background(), job.ID)
	}

	alerter.mu.Lock()
	alerts := alerter.alerts
	alerter.mu.Unlock()
	if alerts != 1 {
		t.Errorf("expected exactly one alert at the 3rd consecutive failure, got %d", alerts)
	}

	saved := store.get(job.ID)
	if saved.ConsecutiveErrors != 3 {
		t.Errorf("expected consecutiveErrors=3, got %d", saved.ConsecutiveErrors)
	}
}

func TestScheduler_SilentJobAlertsOnFirstFailure(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{err: errors.New("boom")}
	alerter := &fakeAlerter{}
	s := newTestScheduler(t, runner, store, &fakeAnnouncer{}, alerter)

	job := &entity.CronJob{ID: "j4", Name: "quiet-fail", Schedule: "*/1 * * * *", Timezone: "UTC", Prompt: "x", Enabled: true, Delivery: entity.DeliverySilent}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s.fire(context.Background(), job.ID)

	alerter.mu.Lock()
	alerts := alerter.alerts
	alerter.mu.Unlock()
	if alerts != 1 {
		t.Errorf("expected silent job's first failure to alert, got %d alerts", alerts)
	}
}

func TestScheduler_DisableNullsNextRunAndStopsTicker(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, &fakeRunner{}, store, &fakeAnnouncer{}, &fakeAlerter{})

	job := &entity.CronJob{ID: "j5", Name: "disableme", Schedule: "*/1 * * * *", Timezone: "UTC", Prompt: "x", Enabled: true}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Disable(context.Background(), job.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	saved := store.get(job.ID)
	if saved.Enabled {
		t.Errorf("expected job disabled")
	}
	if !saved.NextRun.IsZero() {
		t.Errorf("expected nextRun nulled, got %v", saved.NextRun)
	}
}

func TestScheduler_InvalidScheduleRejected(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, &fakeRunner{}, store, &fakeAnnouncer{}, &fakeAlerter{})

	job := &entity.CronJob{ID: "j6", Name: "bad", Schedule: "not a cron expr", Enabled: true}
	if err := s.Upsert(context.Background(), job); err == nil {
		t.Errorf("expected invalid schedule to be rejected at creation time")
	}
}

func TestQuietHours_Contains(t *testing.T) {
	qh := QuietHours{Start: 22, End: 7}
	cases := map[int]bool{23: true, 0: true, 6: true, 7: false, 12: false, 21: false, 22: true}
	for hour, want := range cases {
		if got := qh.contains(hour); got != want {
			t.Errorf("hour %d: got %v, want %v", hour, got, want)
		}
	}
}

func TestAbortBroadcaster_BroadcastReleasesAllSubscribers(t *testing.T) {
	b := NewAbortBroadcaster()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Broadcast()

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatalf("ch1 not released")
	}
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatalf("ch2 not released")
	}
}

func TestScheduler_ResolveByIDAndName(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, &fakeRunner{}, store, &fakeAnnouncer{}, &fakeAlerter{})

	job := &entity.CronJob{ID: "j-resolve", Name: "Morning Briefing", Schedule: "0 9 * * *", Timezone: "UTC", Prompt: "brief me", Enabled: true}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	byID, err := s.Resolve(context.Background(), "j-resolve")
	if err != nil || byID.ID != "j-resolve" {
		t.Fatalf("resolve by id: %v (%v)", byID, err)
	}

	// Name match is case-insensitive.
	byName, err := s.Resolve(context.Background(), "morning briefing")
	if err != nil || byName.ID != "j-resolve" {
		t.Fatalf("resolve by name: %v (%v)", byName, err)
	}

	if _, err := s.Resolve(context.Background(), "no-such-job"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestScheduler_ToggleFlipsEnabledBothWays(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, &fakeRunner{}, store, &fakeAnnouncer{}, &fakeAlerter{})

	job := &entity.CronJob{ID: "j-toggle", Name: "toggle-me", Schedule: "*/5 * * * *", Timezone: "UTC", Prompt: "p", Enabled: true}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	enabled, err := s.Toggle(context.Background(), "toggle-me")
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if enabled {
		t.Error("expected disabled after first toggle")
	}
	if saved := store.get("j-toggle"); saved.Enabled || !saved.NextRun.IsZero() {
		t.Errorf("disabled job should persist Enabled=false with null nextRun, got %+v", saved)
	}

	enabled, err = s.Toggle(context.Background(), "j-toggle")
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !enabled {
		t.Error("expected enabled after second toggle")
	}
	if saved := store.get("j-toggle"); !saved.Enabled {
		t.Errorf("re-enabled job should persist Enabled=true, got %+v", saved)
	}
}

func TestScheduler_RunNowFiresOutsideSchedule(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner, store, &fakeAnnouncer{}, &fakeAlerter{})

	job := &entity.CronJob{ID: "j-now", Name: "run-now", Schedule: "0 0 1 1 *", Timezone: "UTC", Prompt: "p", Enabled: true, Delivery: entity.DeliverySilent}
	if err := s.Upsert(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.RunNow(context.Background(), "run-now"); err != nil {
		t.Fatalf("run now: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		calls := runner.calls
		runner.mu.Unlock()
		if calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected one run, got %d", calls)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

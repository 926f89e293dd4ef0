// Package cron implements the Cron Scheduler: cron
// expression-triggered jobs with overlap protection, quiet-hours
// delivery policy, and consecutive-failure alerting. Next-run
// computation is delegated to github.com/robfig/cron/v3 rather than
// a hand-rolled minute/hour parser.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/queue"
	"github.com/kestrelrun/kestrel/pkg/safego"
)

// Runner executes a cron job's prompt in one-shot mode and returns
// the reply text, or an error.
type Runner interface {
	RunOneShot(ctx context.Context, job *entity.CronJob) (string, error)
}

// Alerter delivers an out-of-band alert (distinct from the normal
// announce channel) for repeated or first-time silent-job failures.
type Alerter interface {
	Alert(ctx context.Context, job *entity.CronJob, message string)
}

// Announcer delivers a job's successful reply to the user channel.
type Announcer interface {
	Announce(ctx context.Context, job *entity.CronJob, reply string)
}

// Store persists CronJob rows.
type Store interface {
	Save(ctx context.Context, job *entity.CronJob) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*entity.CronJob, error)
}

// QuietHours is a local-time window, inclusive of Start, exclusive of
// End, during which announce-delivery jobs are suppressed. Wraps past
// midnight when Start > End.
type QuietHours struct {
	Start int // hour 0-23
	End   int // hour 0-23
}

func (q QuietHours) contains(hour int) bool {
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return hour >= q.Start && hour < q.End
	}
	return hour >= q.Start || hour < q.End
}

const consecutiveErrorAlertThreshold = 3

// Scheduler owns the live cron.Cron instance and the set of registered
// jobs, mapping job IDs to their cron entry IDs so jobs can be
// added/removed without restarting the process.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	jobs    map[string]*entity.CronJob
	running sync.Map // jobID -> struct{}, overlap lock

	runner     Runner
	announcer  Announcer
	alerter    Alerter
	store      Store
	work       *queue.Queue
	quietHours QuietHours
	logger     *zap.Logger
	events     EventPublisher
}

// EventPublisher is the narrow slice of eventbus.Bus the scheduler
// needs, kept local so this package doesn't import the infrastructure
// layer.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// JobOutcome is the payload published under "cron.fired" after each job run.
type JobOutcome struct {
	JobID    string
	Name     string
	Status   entity.CronStatus
	Error    string `json:",omitempty"`
}

// Config bundles the Scheduler's collaborators.
type Config struct {
	Runner     Runner
	Announcer  Announcer
	Alerter    Alerter
	Store      Store
	Work       *queue.Queue
	QuietHours QuietHours
	Logger     *zap.Logger

	// Events, if set, receives a "cron.fired" publication after every
	// job run. Optional — nil disables publication.
	Events EventPublisher
}

// New creates a Scheduler. Call LoadAll to populate it from storage,
// then Start.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		c:          cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		entries:    make(map[string]cron.EntryID),
		jobs:       make(map[string]*entity.CronJob),
		runner:     cfg.Runner,
		announcer:  cfg.Announcer,
		alerter:    cfg.Alerter,
		store:      cfg.Store,
		work:       cfg.Work,
		quietHours: cfg.QuietHours,
		logger:     cfg.Logger,
		events:     cfg.Events,
	}
}

// publish notifies Events of a job's run outcome. No-op if no
// publisher was wired.
func (s *Scheduler) publish(ctx context.Context, job *entity.CronJob) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, "cron.fired", JobOutcome{
		JobID:  job.ID,
		Name:   job.Name,
		Status: job.LastStatus,
		Error:  job.LastError,
	})
}

// Start begins dispatching ticks. It does not block.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the scheduler, waiting for in-flight job runs to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// LoadAll registers every job from the store with the live cron
// instance, skipping disabled jobs (they remain persisted with
// nextRun left null).
func (s *Scheduler) LoadAll(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		if err := s.register(j); err != nil {
			s.logger.Error("cron: failed to register job on load", zap.String("job", j.Name), zap.Error(err))
		}
	}
	return nil
}

// Upsert validates, persists, and (if enabled) schedules job. Any
// existing schedule binding for the same ID is replaced.
func (s *Scheduler) Upsert(ctx context.Context, job *entity.CronJob) error {
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("cron: invalid schedule %q: %w", job.Schedule, err)
	}
	if job.Timezone == "" {
		job.Timezone = "Local"
	}
	if _, err := time.LoadLocation(job.Timezone); err != nil {
		return fmt.Errorf("cron: invalid timezone %q: %w", job.Timezone, err)
	}

	s.mu.Lock()
	if entryID, ok := s.entries[job.ID]; ok {
		s.c.Remove(entryID)
		delete(s.entries, job.ID)
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if err := s.store.Save(ctx, job); err != nil {
		return fmt.Errorf("cron: save job: %w", err)
	}

	if !job.Enabled {
		job.NextRun = time.Time{}
		return s.store.Save(ctx, job)
	}
	return s.register(job)
}

// Remove unschedules and deletes job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.c.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.store.Delete(ctx, id)
}

// Disable stops a job's ticker and nulls its nextRun without deleting it.
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		if entryID, ok := s.entries[id]; ok {
			s.c.Remove(entryID)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", id)
	}
	job.Enabled = false
	job.NextRun = time.Time{}
	return s.store.Save(ctx, job)
}

// Resolve finds a job by id or case-insensitive name. Disabled jobs
// resolve too — they live in the store even when unscheduled.
func (s *Scheduler) Resolve(ctx context.Context, idOrName string) (*entity.CronJob, error) {
	s.mu.Lock()
	if job, ok := s.jobs[idOrName]; ok {
		s.mu.Unlock()
		return job, nil
	}
	s.mu.Unlock()

	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("cron: resolve %q: %w", idOrName, err)
	}
	for _, j := range jobs {
		if j.ID == idOrName || strings.EqualFold(j.Name, idOrName) {
			return j, nil
		}
	}
	return nil, fmt.Errorf("cron: unknown job %q", idOrName)
}

// Toggle flips a job's enabled flag, scheduling or unscheduling it as
// needed. Returns the new state.
func (s *Scheduler) Toggle(ctx context.Context, idOrName string) (bool, error) {
	job, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return false, err
	}
	job.Enabled = !job.Enabled
	if err := s.Upsert(ctx, job); err != nil {
		return job.Enabled, err
	}
	return job.Enabled, nil
}

// RunNow fires a job once outside its schedule, through the same
// overlap-protected path a tick takes. The run happens asynchronously;
// its outcome lands in the job state like any scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, idOrName string) error {
	job, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()
	fireCtx := context.WithoutCancel(ctx)
	safego.Go(s.logger, "cron-run-now", func() {
		s.fire(fireCtx, job.ID)
	})
	return nil
}

func (s *Scheduler) register(job *entity.CronJob) error {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	entryID := s.c.Schedule(schedule, cron.FuncJob(func() {
		s.fire(context.Background(), job.ID)
	}))
	s.entries[job.ID] = entryID
	s.mu.Unlock()

	job.NextRun = schedule.Next(time.Now().In(loc))
	return nil
}

// fire runs one job: overlap guard, queue slot acquire, run, then
// record the outcome.
func (s *Scheduler) fire(ctx context.Context, jobID string) {
	if _, already := s.running.LoadOrStore(jobID, struct{}{}); already {
		s.logger.Warn("cron: overlap skipped", zap.String("job", jobID))
		return
	}
	defer s.running.Delete(jobID)

	s.mu.Lock()
	job := s.jobs[jobID]
	s.mu.Unlock()
	if job == nil {
		return
	}

	job.LastRun = time.Now()
	job.LastStatus = entity.CronStatusRunning
	_ = s.store.Save(ctx, job)

	if err := s.work.AcquireSlot(ctx); err != nil {
		s.finishError(ctx, job, time.Now(), fmt.Errorf("queue slot: %w", err))
		return
	}
	defer s.work.ReleaseSlot()

	start := time.Now()
	reply, err := s.runner.RunOneShot(ctx, job)
	if err != nil {
		s.finishError(ctx, job, start, err)
		return
	}
	s.finishOK(ctx, job, start, reply)
}

func (s *Scheduler) finishOK(ctx context.Context, job *entity.CronJob, start time.Time, reply string) {
	job.LastStatus = entity.CronStatusOK
	job.LastError = ""
	job.LastDurationMs = time.Since(start).Milliseconds()
	job.ConsecutiveErrors = 0
	_ = s.store.Save(ctx, job)
	s.publish(ctx, job)

	if job.Delivery == entity.DeliveryAnnounce && !s.quietHours.contains(time.Now().Hour()) {
		s.announcer.Announce(ctx, job, reply)
	}
}

func (s *Scheduler) finishError(ctx context.Context, job *entity.CronJob, start time.Time, err error) {
	job.LastStatus = entity.CronStatusError
	job.LastError = err.Error()
	job.LastDurationMs = time.Since(start).Milliseconds()
	job.ConsecutiveErrors++
	_ = s.store.Save(ctx, job)
	s.publish(ctx, job)

	s.logger.Error("cron: job failed", zap.String("job", job.Name), zap.Error(err))

	firstSilentFailure := job.Delivery == entity.DeliverySilent && job.ConsecutiveErrors == 1
	if job.ConsecutiveErrors >= consecutiveErrorAlertThreshold || firstSilentFailure {
		s.alerter.Alert(ctx, job, fmt.Sprintf("cron %q failed (%d consecutive): %s", job.Name, job.ConsecutiveErrors, err.Error()))
	}
}

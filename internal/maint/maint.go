// Package maint provides cron-based scheduling for periodic store
// maintenance: vacuuming the sync database and expiring the thread
// lookup cache.
package maint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the callback invoked when a scheduled job should run.
type JobFunc func(ctx context.Context) error

// JobStatus represents the state of one scheduled job.
type JobStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler manages cron-scheduled maintenance jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID
	schedules map[string]string
	funcs     map[string]JobFunc
	running   map[string]bool
	lastRun   map[string]time.Time
	lastErr   map[string]error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func newParser() cron.Parser {
	return cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
}

// New creates an empty scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithParser(newParser())),
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		funcs:     make(map[string]JobFunc),
		running:   make(map[string]bool),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddJob schedules a named job with the given cron expression. Descriptors
// such as @daily are accepted. Re-adding a name replaces its schedule.
func (s *Scheduler) AddJob(name, cronExpr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[name]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		delete(s.schedules, name)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.mu.Lock()
		if s.stopped || s.running[name] {
			s.mu.Unlock()
			return
		}
		s.running[name] = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.runJob(name)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.jobs[name] = entryID
	s.schedules[name] = cronExpr
	s.funcs[name] = fn
	s.logger.Info("scheduled maintenance job",
		"job", name,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)

	return nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// IsRunning returns true if the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop cancels running jobs and waits for them. The returned context is
// done when all work has completed.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("maintenance scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// runJob executes one job. The caller must have set running[name] and
// called wg.Add(1).
func (s *Scheduler) runJob(name string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	s.mu.RLock()
	fn := s.funcs[name]
	s.mu.RUnlock()

	s.logger.Info("starting maintenance job", "job", name)
	start := time.Now()

	err := fn(s.ctx)

	s.mu.Lock()
	if err != nil {
		s.lastErr[name] = err
		s.logger.Error("maintenance job failed",
			"job", name,
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun[name] = time.Now()
		s.lastErr[name] = nil
		s.logger.Info("maintenance job completed",
			"job", name,
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// TriggerJob runs a job immediately, outside its schedule.
func (s *Scheduler) TriggerJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if _, exists := s.jobs[name]; !exists {
		return fmt.Errorf("job %s is not scheduled", name)
	}
	if s.running[name] {
		return fmt.Errorf("job %s is already running", name)
	}

	s.running[name] = true
	s.wg.Add(1)
	go s.runJob(name)
	return nil
}

// Status returns the state of all scheduled jobs.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statuses []JobStatus
	for name, entryID := range s.jobs {
		entry := s.cron.Entry(entryID)
		status := JobStatus{
			Name:     name,
			Running:  s.running[name],
			LastRun:  s.lastRun[name],
			NextRun:  entry.Next,
			Schedule: s.schedules[name],
		}
		if err := s.lastErr[name]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := newParser().Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// StoreMaintainer is the store surface the standard jobs need.
type StoreMaintainer interface {
	Vacuum() error
	PurgeThreadHeadCache(maxAge time.Duration) (int64, error)
}

// AddStoreJobs registers the standard maintenance against the sync store:
// database vacuum and thread cache expiry on the configured schedule.
func (s *Scheduler) AddStoreJobs(st StoreMaintainer, schedule string, cacheMaxAge time.Duration) error {
	if schedule == "" {
		schedule = "@daily"
	}
	if cacheMaxAge <= 0 {
		cacheMaxAge = 24 * time.Hour
	}

	err := s.AddJob("vacuum", schedule, func(ctx context.Context) error {
		return st.Vacuum()
	})
	if err != nil {
		return err
	}

	return s.AddJob("thread-cache-purge", schedule, func(ctx context.Context) error {
		purged, err := st.PurgeThreadHeadCache(cacheMaxAge)
		if err != nil {
			return err
		}
		if purged > 0 {
			s.logger.Info("expired thread cache entries", "purged", purged)
		}
		return nil
	})
}

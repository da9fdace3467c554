package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one retention cycle. Satisfied by retention.Engine.
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler fires the retention job once per day at the configured time.
type Scheduler struct {
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	job      Job

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewScheduler creates a new scheduler. The schedule is a six-field cron
// expression with a seconds column.
func NewScheduler(schedule string, job Job) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		schedule: schedule,
		job:      job,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	entryID, err := s.cron.AddFunc(s.schedule, s.runCycle)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Retention scheduler started with schedule %q", s.schedule)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	// Cancel context to stop any running cycle
	s.cancel()

	// Stop the cron scheduler
	s.cron.Remove(s.entryID)
	ctx := s.cron.Stop()

	// Wait for in-flight jobs to complete
	select {
	case <-ctx.Done():
		logrus.Info("Retention scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Retention scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// runCycle executes one retention cycle. Failures are logged, never
// propagated: one bad tick must not kill the recurring job.
func (s *Scheduler) runCycle() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	start := time.Now()
	if err := s.job.Run(ctx); err != nil {
		logrus.Errorf("Retention cycle finished with errors: %v", err)
		return
	}
	logrus.Infof("Retention cycle finished in %v", time.Since(start))
}

// RunOnce runs the retention cycle once (for manual triggering)
func (s *Scheduler) RunOnce(ctx context.Context) error {
	logrus.Info("Running retention cycle once")
	return s.job.Run(ctx)
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time of the last run
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Prev
}

// Wait waits for in-flight cycles to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Package scheduler runs the maintenance cycle on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs a single job on a cron spec. A run that is still going
// when the next tick fires causes that tick to be skipped.
type Scheduler struct {
	spec string
	job  Job
	log  *zap.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once

	runs atomic.Int64
}

// New creates a scheduler for spec, which accepts standard five-field cron
// expressions and descriptors such as "@every 5m".
func New(spec string, job Job, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{spec: spec, job: job, log: log}
}

// Start registers the job and starts ticking. The scheduler stops when ctx
// is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cronLog := cron.PrintfLogger(zap.NewStdLog(s.log))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}

	s.cron = c
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	c.Start()
	s.log.Info("scheduler started", zap.String("schedule", s.spec))

	stopCh := s.stopCh
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	n := s.runs.Add(1)
	if err := s.job(ctx); err != nil {
		s.log.Warn("scheduled run failed", zap.Int64("run", n), zap.Error(err))
		return
	}
	s.log.Debug("scheduled run complete", zap.Int64("run", n))
}

// Runs returns how many times the job has started.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// Stop cancels the context of a running job and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel, stopCh := s.cron, s.cancel, s.stopCh
	s.mu.Unlock()
	if c == nil {
		return
	}

	s.stopOnce.Do(func() {
		close(stopCh)
		cancel()
		<-c.Stop().Done()
		s.log.Info("scheduler stopped", zap.Int64("runs", s.runs.Load()))
	})
}

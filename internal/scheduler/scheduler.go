// SPDX-License-Identifier: MIT

// Package scheduler runs the worker pool: it pulls jobs off the class queues,
// enforces per-class concurrency permits and drives each job through the
// pipeline. It also resumes jobs interrupted by a previous crash.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/model"
	"github.com/voxsub/voxsub/internal/queue"
)

var activeJobs = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "voxsub",
		Name:      "scheduler_active_jobs",
		Help:      "Jobs currently being driven, per class",
	},
	[]string{"class"},
)

// requeueDelay backs a worker off after it had to return a job it could not
// take a class permit for.
const requeueDelay = 250 * time.Millisecond

// JobQueue is the queue surface the scheduler consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (model.Descriptor, error)
	Requeue(ctx context.Context, d model.Descriptor) error
}

// Runner drives one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) error
	CleanScratch(jobID string) error
}

// RecoveryStore finds jobs a crashed worker left mid-pipeline.
type RecoveryStore interface {
	FindInterrupted(ctx context.Context) ([]*model.Job, error)
}

// Scheduler owns the worker pool.
type Scheduler struct {
	queue   JobQueue
	runner  Runner
	store   RecoveryStore
	workers int
	idle    time.Duration
	permits map[model.Class]chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	backlog []model.Descriptor
}

// New builds a scheduler with per-class permit pools sized from cfg.
func New(q JobQueue, r Runner, store RecoveryStore, workers int, idle time.Duration, conc config.ClassLimits) *Scheduler {
	permits := map[model.Class]chan struct{}{
		model.ClassPriority: make(chan struct{}, conc.Priority),
		model.ClassPaid:     make(chan struct{}, conc.Paid),
		model.ClassFree:     make(chan struct{}, conc.Free),
	}
	if idle <= 0 {
		idle = 2 * time.Second
	}
	return &Scheduler{
		queue:   q,
		runner:  r,
		store:   store,
		workers: workers,
		idle:    idle,
		permits: permits,
		running: make(map[string]context.CancelFunc),
	}
}

// Run recovers interrupted jobs, then serves the queue until ctx is
// cancelled. In-flight jobs are drained, not aborted: shutdown stops the
// dequeue loops and waits.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.WithComponent("scheduler")

	if err := s.recover(ctx); err != nil {
		return err
	}

	logger.Info().Int("workers", s.workers).Msg("worker pool starting")
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.workerLoop(ctx, n)
		}(i)
	}
	wg.Wait()
	logger.Info().Msg("worker pool drained")
	return nil
}

// recover loads jobs a previous process left mid-pipeline and puts them at
// the front of the work backlog; the driver resumes each from its persisted
// status.
func (s *Scheduler) recover(ctx context.Context) error {
	interrupted, err := s.store.FindInterrupted(ctx)
	if err != nil {
		return err
	}
	if len(interrupted) == 0 {
		return nil
	}
	logger := log.WithComponent("scheduler")
	logger.Warn().
		Int("count", len(interrupted)).
		Msg("resuming jobs interrupted by previous shutdown")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range interrupted {
		s.backlog = append(s.backlog, model.Descriptor{
			JobID:    j.ID,
			TenantID: j.TenantID,
			Class:    j.Class,
			QueuedAt: j.CreatedAt,
		})
	}
	return nil
}

func (s *Scheduler) workerLoop(ctx context.Context, n int) {
	logger := log.WithComponent("scheduler").With().Int("worker", n).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		d, ok := s.next(ctx)
		if !ok {
			if !sleepCtx(ctx, s.idle) {
				return
			}
			continue
		}

		permit := s.permits[d.Class]
		select {
		case permit <- struct{}{}:
		default:
			// Class saturated; hand the job back as the next pick and let
			// lower classes through on the following iteration.
			if err := s.queue.Requeue(ctx, d); err != nil {
				logger.Error().Err(err).Str("job_id", d.JobID).Msg("requeue failed")
			}
			if !sleepCtx(ctx, requeueDelay) {
				return
			}
			continue
		}

		s.execute(ctx, d)
		<-permit
	}
}

// next pops the recovery backlog first, then the shared queue.
func (s *Scheduler) next(ctx context.Context) (model.Descriptor, bool) {
	s.mu.Lock()
	if len(s.backlog) > 0 {
		d := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
		return d, true
	}
	s.mu.Unlock()

	d, err := s.queue.Dequeue(ctx)
	if err != nil {
		if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
			logger := log.WithComponent("scheduler")
			logger.Error().Err(err).Msg("dequeue failed")
		}
		return model.Descriptor{}, false
	}
	return d, true
}

// execute drives one job. The job context is detached from the scheduler's:
// shutdown drains in-flight jobs, only an explicit CancelJob aborts one.
func (s *Scheduler) execute(ctx context.Context, d model.Descriptor) {
	logger := log.WithComponent("scheduler").With().
		Str("job_id", d.JobID).
		Str("class", string(d.Class)).
		Logger()

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.running[d.JobID] = cancel
	s.mu.Unlock()
	activeJobs.WithLabelValues(string(d.Class)).Inc()

	defer func() {
		activeJobs.WithLabelValues(string(d.Class)).Dec()
		s.mu.Lock()
		delete(s.running, d.JobID)
		s.mu.Unlock()
		cancel()
	}()

	logger.Info().Msg("job picked up")
	if err := s.runner.Run(jobCtx, d.JobID); err != nil {
		logger.Error().Err(err).Msg("driver error")
		return
	}
	if err := s.runner.CleanScratch(d.JobID); err != nil {
		logger.Warn().Err(err).Msg("scratch cleanup failed")
	}
}

// CancelJob aborts a job currently being driven. Returns false when the job
// is not running on this instance.
func (s *Scheduler) CancelJob(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunningJobs lists the ids currently being driven.
func (s *Scheduler) RunningJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

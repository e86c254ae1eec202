// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/model"
	"github.com/voxsub/voxsub/internal/queue"
)

type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	cleaned []string
	hold    map[string]chan struct{} // jobs that block until released or cancelled
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{hold: make(map[string]chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.order = append(r.order, jobID)
	gate := r.hold[jobID]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *fakeRunner) CleanScratch(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, jobID)
	return nil
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeRecovery struct {
	jobs []*model.Job
}

func (f *fakeRecovery) FindInterrupted(context.Context) ([]*model.Job, error) {
	return f.jobs, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, queue.Caps{})
}

func enqueue(t *testing.T, q *queue.Queue, id string, class model.Class) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), model.Descriptor{
		JobID:    id,
		TenantID: "tenant-a",
		Class:    class,
		QueuedAt: time.Now(),
	}))
}

func TestProcessesClassesInPriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	runner := newFakeRunner()
	s := New(q, runner, &fakeRecovery{}, 1, 10*time.Millisecond,
		config.ClassLimits{Priority: 1, Paid: 1, Free: 1})

	enqueue(t, q, "F1", model.ClassFree)
	enqueue(t, q, "P1", model.ClassPaid)
	enqueue(t, q, "R1", model.ClassPriority)
	enqueue(t, q, "F2", model.ClassFree)
	enqueue(t, q, "P2", model.ClassPaid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(runner.ran()) == 5
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []string{"R1", "P1", "P2", "F1", "F2"}, runner.ran())
	assert.Len(t, runner.cleaned, 5)
}

func TestResumesInterruptedJobsFirst(t *testing.T) {
	q := newTestQueue(t)
	runner := newFakeRunner()
	rec := &fakeRecovery{jobs: []*model.Job{
		{ID: "stuck1", TenantID: "tenant-a", Class: model.ClassPaid, Status: model.StatusEmitting},
	}}
	s := New(q, runner, rec, 1, 10*time.Millisecond,
		config.ClassLimits{Priority: 1, Paid: 1, Free: 1})

	enqueue(t, q, "R1", model.ClassPriority)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(runner.ran()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	// The interrupted job is picked up before anything from the queue.
	assert.Equal(t, []string{"stuck1", "R1"}, runner.ran())
}

func TestPermitSaturationDoesNotStarveOtherClasses(t *testing.T) {
	q := newTestQueue(t)
	runner := newFakeRunner()
	gate := make(chan struct{})
	runner.hold["F1"] = gate

	s := New(q, runner, &fakeRecovery{}, 2, 10*time.Millisecond,
		config.ClassLimits{Priority: 1, Paid: 1, Free: 1})

	enqueue(t, q, "F1", model.ClassFree)
	enqueue(t, q, "F2", model.ClassFree) // blocked behind F1's permit
	enqueue(t, q, "P1", model.ClassPaid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	// P1 runs even while the single free permit is held by F1.
	require.Eventually(t, func() bool {
		ran := runner.ran()
		for _, id := range ran {
			if id == "P1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	close(gate) // release F1
	require.Eventually(t, func() bool {
		return len(runner.ran()) == 3
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCancelJob(t *testing.T) {
	q := newTestQueue(t)
	runner := newFakeRunner()
	runner.hold["J1"] = make(chan struct{}) // never released; only cancel frees it

	s := New(q, runner, &fakeRecovery{}, 1, 10*time.Millisecond,
		config.ClassLimits{Priority: 1, Paid: 1, Free: 1})

	enqueue(t, q, "J1", model.ClassPaid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(s.RunningJobs()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, s.CancelJob("J1"))
	require.Eventually(t, func() bool {
		return len(s.RunningJobs()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.False(t, s.CancelJob("J1"))
	assert.False(t, s.CancelJob("unknown"))

	cancel()
	<-done
}

func TestShutdownStopsWorkers(t *testing.T) {
	q := newTestQueue(t)
	runner := newFakeRunner()
	s := New(q, runner, &fakeRecovery{}, 4, 10*time.Millisecond,
		config.ClassLimits{Priority: 1, Paid: 1, Free: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not drain after cancel")
	}
}

// SPDX-License-Identifier: MIT

// Package queue implements the three-class job queue on Redis lists.
// One list per class; dequeue drains strictly in class priority order, FIFO
// within a class.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/voxsub/voxsub/internal/model"
)

var (
	ErrEmpty = errors.New("queue empty")
	ErrFull  = errors.New("queue full")
)

var (
	enqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "queue_enqueued_total",
			Help:      "Jobs accepted into the queue",
		},
		[]string{"class"},
	)
	dequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "queue_dequeued_total",
			Help:      "Jobs handed to workers",
		},
		[]string{"class"},
	)
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "voxsub",
			Name:      "queue_depth",
			Help:      "Current queue depth per class",
		},
		[]string{"class"},
	)
)

// avgJobSeconds is the coarse per-job processing estimate behind wait hints.
const avgJobSeconds = 120

// Caps limit accepted depth per class; enqueue past the cap fails with ErrFull.
type Caps struct {
	Priority int
	Paid     int
	Free     int
}

func (c Caps) forClass(class model.Class) int {
	switch class {
	case model.ClassPriority:
		return c.Priority
	case model.ClassPaid:
		return c.Paid
	default:
		return c.Free
	}
}

// Queue is the Redis-list backed job queue.
type Queue struct {
	client *redis.Client
	caps   Caps
}

func New(client *redis.Client, caps Caps) *Queue {
	return &Queue{client: client, caps: caps}
}

func listKey(class model.Class) string {
	return "queue:" + string(class)
}

// Enqueue appends the descriptor to its class list, enforcing the class cap.
// The length check and push are not atomic; the cap is backpressure, not an
// exact bound.
func (q *Queue) Enqueue(ctx context.Context, d model.Descriptor) error {
	key := listKey(d.Class)

	depth, err := q.client.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue: llen %s: %w", key, err)
	}
	if limit := q.caps.forClass(d.Class); limit > 0 && depth >= int64(limit) {
		return ErrFull
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("queue: marshal descriptor: %w", err)
	}
	if err := q.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("queue: lpush %s: %w", key, err)
	}

	enqueuedTotal.WithLabelValues(string(d.Class)).Inc()
	queueDepth.WithLabelValues(string(d.Class)).Set(float64(depth + 1))
	return nil
}

// Dequeue pops the next descriptor, scanning classes in strict priority
// order. Returns ErrEmpty when all lists are drained.
func (q *Queue) Dequeue(ctx context.Context) (model.Descriptor, error) {
	for _, class := range model.Classes() {
		raw, err := q.client.RPop(ctx, listKey(class)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return model.Descriptor{}, fmt.Errorf("queue: rpop %s: %w", class, err)
		}

		var d model.Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return model.Descriptor{}, fmt.Errorf("queue: corrupt descriptor in %s: %w", class, err)
		}
		dequeuedTotal.WithLabelValues(string(class)).Inc()
		return d, nil
	}
	return model.Descriptor{}, ErrEmpty
}

// Requeue puts a descriptor back at the dequeue end, so it is the next pick
// for its class. Used when a worker cannot take the job (no class permit).
func (q *Queue) Requeue(ctx context.Context, d model.Descriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("queue: marshal descriptor: %w", err)
	}
	if err := q.client.RPush(ctx, listKey(d.Class), payload).Err(); err != nil {
		return fmt.Errorf("queue: rpush %s: %w", d.Class, err)
	}
	return nil
}

// Remove deletes a queued job by id from its class list. Returns true when an
// entry was removed, false when the job was no longer queued.
func (q *Queue) Remove(ctx context.Context, class model.Class, jobID string) (bool, error) {
	key := listKey(class)
	entries, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("queue: lrange %s: %w", key, err)
	}
	for _, raw := range entries {
		var d model.Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		if d.JobID == jobID {
			n, err := q.client.LRem(ctx, key, 1, raw).Result()
			if err != nil {
				return false, fmt.Errorf("queue: lrem %s: %w", key, err)
			}
			return n > 0, nil
		}
	}
	return false, nil
}

// Position returns the 1-based dequeue position of jobID: everything in
// higher classes plus jobs ahead of it in its own list, plus one.
// Returns -1 when the job is not queued.
func (q *Queue) Position(ctx context.Context, class model.Class, jobID string) (int, error) {
	ahead := 0
	for _, c := range model.Classes() {
		if c == class {
			break
		}
		n, err := q.client.LLen(ctx, listKey(c)).Result()
		if err != nil {
			return -1, fmt.Errorf("queue: llen %s: %w", c, err)
		}
		ahead += int(n)
	}

	entries, err := q.client.LRange(ctx, listKey(class), 0, -1).Result()
	if err != nil {
		return -1, fmt.Errorf("queue: lrange %s: %w", class, err)
	}
	// LPush builds the list head-first, so the tail end dequeues first.
	for i := len(entries) - 1; i >= 0; i-- {
		var d model.Descriptor
		if err := json.Unmarshal([]byte(entries[i]), &d); err != nil {
			continue
		}
		if d.JobID == jobID {
			return ahead + (len(entries) - 1 - i) + 1, nil
		}
	}
	return -1, nil
}

// EstimatedWait converts a 1-based queue position into a coarse wait hint.
func EstimatedWait(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * avgJobSeconds * time.Second
}

// Lengths reports the current depth of every class list.
func (q *Queue) Lengths(ctx context.Context) (map[model.Class]int, error) {
	out := make(map[model.Class]int, 3)
	for _, class := range model.Classes() {
		n, err := q.client.LLen(ctx, listKey(class)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: llen %s: %w", class, err)
		}
		out[class] = int(n)
		queueDepth.WithLabelValues(string(class)).Set(float64(n))
	}
	return out, nil
}

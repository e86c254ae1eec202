// SPDX-License-Identifier: MIT

// Package cleaner reclaims storage: expired artifact blobs and stale scratch
// directories. Blobs referenced by a non-terminal job are never touched,
// whatever their age.
package cleaner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxsub/voxsub/internal/blob"
	"github.com/voxsub/voxsub/internal/log"
)

var (
	blobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxsub",
		Name:      "cleaner_blobs_deleted_total",
		Help:      "Expired blobs removed from storage",
	})
	scratchDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxsub",
		Name:      "cleaner_scratch_dirs_deleted_total",
		Help:      "Stale scratch directories removed",
	})
	sweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxsub",
		Name:      "cleaner_sweep_errors_total",
		Help:      "Failed deletions during cleanup sweeps",
	})
)

// BlobStore is the storage surface the cleaner sweeps.
type BlobStore interface {
	ListOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]blob.Object, error)
	Delete(ctx context.Context, key string) error
}

// ReferenceStore answers which blob keys are still in use.
type ReferenceStore interface {
	ActiveBlobKeys(ctx context.Context) (map[string]struct{}, error)
}

// Config tunes the cleaner.
type Config struct {
	ArtifactTTL time.Duration
	ScratchTTL  time.Duration
	Interval    time.Duration
	ScratchDir  string
}

// Cleaner runs periodic retention sweeps.
type Cleaner struct {
	blobs BlobStore
	refs  ReferenceStore
	cfg   Config
	now   func() time.Time
}

func New(blobs BlobStore, refs ReferenceStore, cfg Config) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{blobs: blobs, refs: refs, cfg: cfg, now: time.Now}
}

// Run sweeps once immediately, then on every interval tick until ctx ends.
func (c *Cleaner) Run(ctx context.Context) error {
	logger := log.WithComponent("cleaner")
	logger.Info().
		Dur("interval", c.cfg.Interval).
		Dur("artifact_ttl", c.cfg.ArtifactTTL).
		Msg("retention sweeps starting")

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep. Used by the periodic loop and the one-shot
// clean subcommand.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if err := c.sweepBlobs(ctx); err != nil {
		return err
	}
	return c.sweepScratch()
}

func (c *Cleaner) sweepBlobs(ctx context.Context) error {
	logger := log.WithComponent("cleaner")

	cutoff := c.now().Add(-c.cfg.ArtifactTTL)
	objects, err := c.blobs.ListOlderThan(ctx, "", cutoff)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}

	active, err := c.refs.ActiveBlobKeys(ctx)
	if err != nil {
		return err
	}

	deleted := 0
	for _, obj := range objects {
		if _, inUse := active[obj.Key]; inUse {
			continue
		}
		if err := c.blobs.Delete(ctx, obj.Key); err != nil {
			sweepErrors.Inc()
			logger.Warn().Err(err).Str("key", obj.Key).Msg("blob delete failed")
			continue
		}
		blobsDeleted.Inc()
		deleted++
	}
	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Int("scanned", len(objects)).Msg("expired blobs removed")
	}
	return nil
}

// sweepScratch removes per-job scratch directories whose last modification
// predates the scratch TTL. Jobs actively being driven keep touching their
// files, so in-flight scratch survives.
func (c *Cleaner) sweepScratch() error {
	if c.cfg.ScratchDir == "" || c.cfg.ScratchTTL <= 0 {
		return nil
	}
	logger := log.WithComponent("cleaner")

	entries, err := os.ReadDir(c.cfg.ScratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := c.now().Add(-c.cfg.ScratchTTL)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(c.cfg.ScratchDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			sweepErrors.Inc()
			logger.Warn().Err(err).Str("dir", dir).Msg("scratch delete failed")
			continue
		}
		scratchDeleted.Inc()
	}
	return nil
}

// SPDX-License-Identifier: MIT

// Package api is the HTTP ingress: tenant provisioning, job submission,
// status, cancellation and artifact downloads.
package api

import (
	"context"
	"io"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/ledger"
	"github.com/voxsub/voxsub/internal/queue"
	"github.com/voxsub/voxsub/internal/ratelimit"
	"github.com/voxsub/voxsub/internal/repo"
)

// BlobStore is the storage surface the ingress needs: storing uploads and
// presigning downloads.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string, autoDelete bool) error
	PresignGet(key string, ttl time.Duration) (string, error)
}

// Prober measures the duration of a local media file.
type Prober interface {
	ProbeDurationSec(ctx context.Context, path string) (int, error)
}

// Canceller aborts a job running on this instance.
type Canceller interface {
	CancelJob(jobID string) bool
}

// Server holds the ingress dependencies.
type Server struct {
	cfg       config.Config
	store     *repo.Store
	ledger    *ledger.Ledger
	queue     *queue.Queue
	blobs     BlobStore
	limiter   *ratelimit.Limiter
	prober    Prober
	canceller Canceller
	now       func() time.Time
}

// New assembles the ingress server.
func New(cfg config.Config, store *repo.Store, led *ledger.Ledger, q *queue.Queue,
	blobs BlobStore, limiter *ratelimit.Limiter, prober Prober, canceller Canceller) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		ledger:    led,
		queue:     q,
		blobs:     blobs,
		limiter:   limiter,
		prober:    prober,
		canceller: canceller,
		now:       time.Now,
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)
	// Coarse per-IP ceiling in front of the tenant-aware limiter.
	r.Use(httprate.LimitByIP(300, time.Minute))
	r.Use(s.abuseGuard)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tenants", s.handleProvisionTenant)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.apiCallLimit)
			r.Post("/jobs/upload", s.handleUpload)
			r.Post("/jobs/url", s.handleSubmitURL)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Delete("/jobs/{jobID}", s.handleCancelJob)
			r.Get("/artifacts/*", s.handleArtifact)
			r.Get("/usage", s.handleUsage)
		})
	})
	return r
}

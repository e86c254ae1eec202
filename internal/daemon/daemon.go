// SPDX-License-Identifier: MIT

// Package daemon assembles the voxsub runtime: storage, queue, pipeline,
// scheduler, cleaner and the HTTP ingress, and runs them under one lifecycle.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/voxsub/voxsub/internal/api"
	"github.com/voxsub/voxsub/internal/blob"
	"github.com/voxsub/voxsub/internal/cleaner"
	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/ledger"
	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/media"
	"github.com/voxsub/voxsub/internal/persistence/redisconn"
	"github.com/voxsub/voxsub/internal/persistence/sqlite"
	"github.com/voxsub/voxsub/internal/pipeline"
	"github.com/voxsub/voxsub/internal/queue"
	"github.com/voxsub/voxsub/internal/ratelimit"
	"github.com/voxsub/voxsub/internal/repo"
	"github.com/voxsub/voxsub/internal/scheduler"
	"github.com/voxsub/voxsub/internal/telemetry"
	"github.com/voxsub/voxsub/internal/transcribe"
	"github.com/voxsub/voxsub/internal/translate"
)

// App owns every long-lived subsystem.
type App struct {
	cfg config.Config

	db        *sql.DB
	redis     *redis.Client
	store     *repo.Store
	ledger    *ledger.Ledger
	queue     *queue.Queue
	blobs     *blob.Store
	limiter   *ratelimit.Limiter
	driver    *pipeline.Driver
	scheduler *scheduler.Scheduler
	cleaner   *cleaner.Cleaner
	server    *api.Server
	tracing   *telemetry.Provider
}

// NewApp wires all subsystems from the configuration. Fails fast on anything
// the daemon cannot run without; a schema mismatch surfaces as
// config.ErrMigrationRequired.
func NewApp(ctx context.Context, cfg config.Config, version string) (*App, error) {
	a := &App{cfg: cfg}

	var err error
	a.tracing, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "voxsub",
		ServiceVersion: version,
		ExporterType:   cfg.OTELExporter,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   cfg.OTELSampling,
	})
	if err != nil {
		return nil, err
	}

	a.db, err = sqlite.Open(cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	a.store, err = repo.Open(ctx, a.db)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ledger, err = ledger.New(a.db, a.planLimit)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.redis, err = redisconn.New(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = queue.New(a.redis, queue.Caps{
		Priority: cfg.QueueMax.Priority,
		Paid:     cfg.QueueMax.Paid,
		Free:     cfg.QueueMax.Free,
	})
	a.limiter = ratelimit.New(a.redis)

	a.blobs, err = blob.New(blob.Config{
		Endpoint:  cfg.BlobEndpoint,
		Region:    cfg.BlobRegion,
		Bucket:    cfg.BlobBucket,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	tools := media.Toolchain{FFmpegPath: cfg.FFmpegPath, FFprobePath: cfg.FFprobePath}
	engine := transcribe.NewEngine(cfg.WhisperURL)

	registry := translate.NewRegistry()
	if cfg.TranslationURL != "" {
		registry.Register(translate.NewHTTPProvider("primary", cfg.TranslationURL, cfg.TranslationKey), 0)
	}
	translator := translate.New(registry, translate.NewCache(a.redis), cfg.MaxRetries)

	a.driver = pipeline.New(a.store, a.ledger, a.blobs, tools,
		&pipeline.HTTPDownloader{Client: &http.Client{}}, engine, translator,
		pipeline.Config{
			ScratchDir:       cfg.ScratchDir,
			Stage:            cfg.Stage,
			MaxRetries:       cfg.MaxRetries,
			QuotaTopUp:       cfg.QuotaTopUp,
			TranslationModel: cfg.TranslationModelPaid,
		})

	a.scheduler = scheduler.New(a.queue, a.driver, a.store,
		cfg.Workers, cfg.PollIdle, cfg.Concurrency)

	a.cleaner = cleaner.New(a.blobs, a.store, cleaner.Config{
		ArtifactTTL: cfg.ArtifactTTL,
		ScratchTTL:  cfg.ScratchTTL,
		Interval:    cfg.CleanInterval,
		ScratchDir:  cfg.ScratchDir,
	})

	a.server = api.New(cfg, a.store, a.ledger, a.queue, a.blobs, a.limiter, tools, a.scheduler)
	return a, nil
}

// planLimit resolves a tenant's monthly minute limit from its effective plan.
func (a *App) planLimit(ctx context.Context, tenantID string) (int, error) {
	tenant, err := a.store.Tenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return tenant.EffectivePlan(time.Now()).MonthlyMinutes(a.cfg.FreeMinutesLimit), nil
}

// Serve runs the full node: ingress, workers, cleaner and metrics. Blocks
// until ctx is cancelled or a subsystem fails.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	logger := log.WithComponent("daemon")

	httpSrv := &http.Server{
		Addr:              a.cfg.ListenAddr(),
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Msg("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	a.runMetrics(ctx, g)
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.cleaner.Run(ctx) })

	return g.Wait()
}

// Worker runs only the job-processing side: scheduler, cleaner and metrics.
func (a *App) Worker(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.runMetrics(ctx, g)
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.cleaner.Run(ctx) })
	return g.Wait()
}

// CleanOnce performs a single retention sweep and returns.
func (a *App) CleanOnce(ctx context.Context) error {
	return a.cleaner.RunOnce(ctx)
}

func (a *App) runMetrics(ctx context.Context, g *errgroup.Group) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := log.WithComponent("daemon")
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Close releases held connections. Safe on a partially constructed app.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tracing.Shutdown(ctx)
	}
}

// SPDX-License-Identifier: MIT

// Package pipeline drives a job through its state machine:
//
//	queued → processing → extracting → transcribing → {translating, emitting}
//	translating → emitting → completed
//	any non-terminal → failed | cancelled
//
// Each stage writes its durable output before the status advances, so a
// restarted driver resumes an interrupted job from its persisted status.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/ledger"
	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/model"
	"github.com/voxsub/voxsub/internal/repo"
	"github.com/voxsub/voxsub/internal/telemetry"
	"github.com/voxsub/voxsub/internal/transcribe"
)

var (
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "pipeline_jobs_total",
			Help:      "Jobs reaching a terminal status",
		},
		[]string{"status", "class"},
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "voxsub",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
		},
		[]string{"stage"},
	)
)

// JobStore is the slice of the repository the driver mutates.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	Transition(ctx context.Context, id string, from, to model.Status) error
	ForceStatus(ctx context.Context, id string, to model.Status, errInfo *model.ErrorInfo) error
	SetProbe(ctx context.Context, id string, durationSec int, audioKey string) error
	SetDetectedLang(ctx context.Context, id, lang string) error
	SetArtifacts(ctx context.Context, id string, a model.ArtifactKeys) error
}

// Reservations is the slice of the ledger the driver resolves.
type Reservations interface {
	Get(ctx context.Context, reservationID string) (ledger.Reservation, error)
	TopUp(ctx context.Context, reservationID string, extra int) error
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}

// BlobStore is the artifact storage surface the stages use.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string, autoDelete bool) error
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// MediaTools probes and extracts audio from local media files.
type MediaTools interface {
	ProbeDurationSec(ctx context.Context, path string) (int, error)
	ExtractAudio(ctx context.Context, src, dst string) error
}

// Downloader materializes a URL submission into a local file.
type Downloader interface {
	Fetch(ctx context.Context, url, dst string) error
}

// Translating is the facade surface the translate stage calls.
type Translating interface {
	TranslateSegments(ctx context.Context, segs []model.Segment, sourceLang, targetLang, modelName string) ([]model.Segment, error)
}

// Config tunes the driver.
type Config struct {
	ScratchDir string
	Stage      config.StageTimeouts
	MaxRetries int
	QuotaTopUp bool
	// TranslationModel passed to the facade; chosen per plan at submission
	// would also work, but the original routes all jobs through one model
	// pair keyed by plan tier on the job.
	TranslationModel string
}

// Driver executes jobs. One Run call per job at a time; concurrency control
// lives in the scheduler.
type Driver struct {
	store      JobStore
	ledger     Reservations
	blob       BlobStore
	media      MediaTools
	downloader Downloader
	engine     transcribe.Transcriber
	translator Translating
	cfg        Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the driver's collaborators.
func New(store JobStore, led Reservations, blobs BlobStore, media MediaTools,
	dl Downloader, engine transcribe.Transcriber, tr Translating, cfg Config) *Driver {
	return &Driver{
		store:      store,
		ledger:     led,
		blob:       blobs,
		media:      media,
		downloader: dl,
		engine:     engine,
		translator: tr,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

// Run drives the job from its persisted status to a terminal one. It returns
// nil when the job reached any terminal status (including failed/cancelled,
// which Run records itself); a non-nil return means the driver could not even
// record an outcome.
func (d *Driver) Run(ctx context.Context, jobID string) error {
	logger := log.WithComponent("pipeline").With().Str("job_id", jobID).Logger()
	tracer := otel.Tracer("voxsub/pipeline")

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String(telemetry.JobIDKey, jobID)))
	defer span.End()

	for {
		j, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status.IsTerminal() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return d.finalize(j, model.StatusCancelled, model.Wrap(model.KindCancelled, err, "job cancelled"))
		}

		var stageErr error
		switch j.Status {
		case model.StatusQueued:
			// Claim the job; losing the CAS means another worker owns it.
			if err := d.store.Transition(ctx, j.ID, model.StatusQueued, model.StatusProcessing); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					return nil
				}
				return err
			}
			continue
		case model.StatusProcessing:
			stageErr = d.advance(ctx, j, "ingest", d.cfg.Stage.Extract, d.stageIngest, model.StatusExtracting)
		case model.StatusExtracting:
			stageErr = d.advance(ctx, j, "extract", d.cfg.Stage.Extract, d.stageExtract, model.StatusTranscribing)
		case model.StatusTranscribing:
			stageErr = d.advance(ctx, j, "transcribe", d.cfg.Stage.Transcribe, d.stageTranscribe, "")
		case model.StatusTranslating:
			stageErr = d.advance(ctx, j, "translate", d.cfg.Stage.Translate, d.stageTranslate, model.StatusEmitting)
		case model.StatusEmitting:
			stageErr = d.advance(ctx, j, "emit", d.cfg.Stage.Emit, d.stageEmit, model.StatusCompleted)
		default:
			stageErr = model.E(model.KindInternal, "job in unknown status %q", j.Status)
		}

		if stageErr != nil {
			terminal := model.StatusFailed
			if model.KindOf(stageErr) == model.KindCancelled {
				terminal = model.StatusCancelled
			}
			logger.Error().Err(stageErr).Str("status", string(j.Status)).Msg("stage failed")
			return d.finalize(j, terminal, stageErr)
		}

		refreshed, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if refreshed.Status == model.StatusCompleted {
			return d.finalize(refreshed, model.StatusCompleted, nil)
		}
	}
}

// stageFn runs one stage on the job and returns the follow-up status when it
// differs from the static next (the transcribe stage branches).
type stageFn func(ctx context.Context, j *model.Job) (model.Status, error)

// advance runs a stage under its timeout with the transient retry loop, then
// records the forward transition.
func (d *Driver) advance(ctx context.Context, j *model.Job, name string, timeout time.Duration, fn stageFn, next model.Status) error {
	tracer := otel.Tracer("voxsub/pipeline")
	stageCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attrs := append(telemetry.JobAttributes(j.ID, string(j.Class), string(j.Status)),
		attribute.String(telemetry.StageNameKey, name))
	stageCtx, span := tracer.Start(stageCtx, "pipeline."+name, trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()
	branched, err := d.runWithRetry(stageCtx, j, fn)
	stageDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		return d.classify(ctx, stageCtx, err)
	}

	if branched != "" {
		next = branched
	}
	if err := d.store.Transition(ctx, j.ID, j.Status, next); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Another actor moved the job (e.g. cancel); the next loop
			// iteration observes the new status.
			return nil
		}
		return err
	}
	return nil
}

func (d *Driver) runWithRetry(ctx context.Context, j *model.Job, fn stageFn) (model.Status, error) {
	logger := log.WithComponent("pipeline")
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, time.Second<<(attempt-1)); err != nil {
				return "", model.Wrap(model.KindCancelled, err, "retry interrupted")
			}
			logger.Warn().
				Str("job_id", j.ID).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("retrying stage")
		}

		next, err := fn(ctx, j)
		if err == nil {
			return next, nil
		}
		lastErr = err
		if !model.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// classify maps a stage error to its terminal meaning: parent cancellation
// is Cancelled, a blown stage deadline is Timeout, anything else passes
// through.
func (d *Driver) classify(parent, stage context.Context, err error) error {
	if parent.Err() != nil {
		return model.Wrap(model.KindCancelled, parent.Err(), "job cancelled")
	}
	if errors.Is(stage.Err(), context.DeadlineExceeded) {
		return model.Wrap(model.KindTimeout, err, "stage deadline exceeded")
	}
	return err
}

// finalize records the terminal status and resolves the reservation exactly
// once: commit on completed, release otherwise. Uses a fresh context so a
// cancelled job still gets bookkept.
func (d *Driver) finalize(j *model.Job, terminal model.Status, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := log.WithComponent("pipeline").With().Str("job_id", j.ID).Logger()

	if terminal != model.StatusCompleted {
		info := &model.ErrorInfo{Kind: model.KindOf(cause)}
		if cause != nil {
			info.Message = cause.Error()
		}
		if err := d.store.ForceStatus(ctx, j.ID, terminal, info); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}

	if j.ReservationID != "" {
		var err error
		if terminal == model.StatusCompleted {
			err = d.ledger.Commit(ctx, j.ReservationID)
		} else {
			err = d.ledger.Release(ctx, j.ReservationID)
		}
		// Already-resolved is fine: crash recovery may finalize twice.
		if err != nil && !errors.Is(err, ledger.ErrReservationResolved) {
			logger.Error().Err(err).Msg("reservation resolution failed")
			return err
		}
	}

	jobsFinished.WithLabelValues(string(terminal), string(j.Class)).Inc()
	logger.Info().Str("terminal", string(terminal)).Msg("job finished")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

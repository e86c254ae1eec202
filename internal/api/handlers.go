// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxsub/voxsub/internal/blob"
	"github.com/voxsub/voxsub/internal/ledger"
	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/media"
	"github.com/voxsub/voxsub/internal/model"
	"github.com/voxsub/voxsub/internal/queue"
	"github.com/voxsub/voxsub/internal/ratelimit"
	"github.com/voxsub/voxsub/internal/repo"
)

// uploadExts is the closed set of accepted upload extensions.
var uploadExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true,
}

// urlHoldMinutes is the minimal credit hold placed on a URL submission until
// the extract stage probes the real duration.
const urlHoldMinutes = 1

// presignTTL bounds artifact download links handed out by the API.
const presignTTL = 15 * time.Minute

type submitResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	DurationMinutes      int    `json:"duration_minutes,omitempty"`
	QueuePosition        int    `json:"queue_position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

type jobResponse struct {
	JobID                string            `json:"job_id"`
	Status               string            `json:"status"`
	CreatedAt            string            `json:"created_at"`
	SourceLang           string            `json:"source_lang,omitempty"`
	DetectedLang         string            `json:"detected_lang,omitempty"`
	TargetLang           string            `json:"target_lang,omitempty"`
	DurationMinutes      int               `json:"duration_minutes,omitempty"`
	QueuePosition        int               `json:"queue_position,omitempty"`
	EstimatedWaitSeconds int               `json:"estimated_wait_seconds,omitempty"`
	Downloads            map[string]any    `json:"downloads,omitempty"`
	Error                *jobErrorResponse `json:"error,omitempty"`
}

type jobErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProvisionTenant creates a tenant and its API token. Open endpoint,
// throttled per source IP.
func (s *Server) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	res, err := s.limiter.ConsumeProvision(ctx, ip)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "limiter unavailable")
		return
	}
	if !res.Allowed {
		writeRateLimited(w, res.RetryAfter)
		return
	}

	var body struct {
		Plan string `json:"plan"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body)
	}
	plan := model.Plan(body.Plan)
	if plan == "" {
		plan = model.PlanFree
	}
	switch plan {
	case model.PlanFree, model.PlanStarter, model.PlanPro, model.PlanPremium, model.PlanEnterprise:
	default:
		writeAPIError(w, http.StatusBadRequest, "unknown plan")
		return
	}

	tenant := &model.Tenant{
		ID:        uuid.NewString(),
		Plan:      plan,
		CreatedIP: ip,
	}
	token := uuid.NewString()
	if err := s.store.CreateTenant(ctx, tenant, token); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "tenant creation failed")
		return
	}

	logger := log.WithComponent("api")
	logger.Info().
		Str("tenant_id", tenant.ID).
		Str("plan", string(plan)).
		Msg("tenant provisioned")
	writeJSON(w, http.StatusCreated, map[string]string{
		"tenant_id": tenant.ID,
		"token":     token,
		"plan":      string(plan),
	})
}

// handleUpload accepts a media file, probes its duration, reserves the exact
// credit amount and enqueues the job. A tenant over quota gets a 402 before
// any job row exists.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	plan := tenant.EffectivePlan(s.now())

	res, err := s.limiter.CheckAndConsume(ctx, tenant.ID, ratelimit.ActionUpload, plan)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "limiter unavailable")
		return
	}
	if !res.Allowed {
		writeRateLimited(w, res.RetryAfter)
		return
	}

	maxBytes := int64(s.maxFileMB(plan)) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeAPIError(w, http.StatusRequestEntityTooLarge, "file exceeds plan size limit")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExts[ext] {
		writeAPIError(w, http.StatusBadRequest, "unsupported file extension "+ext)
		return
	}

	params, ok := s.jobParams(w, r.FormValue("source_lang"), r.FormValue("target_lang"), r.FormValue("translate"))
	if !ok {
		return
	}

	// Spool to scratch for the probe, hashing along the way for the blob key.
	if err := os.MkdirAll(s.cfg.ScratchDir, 0o755); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "scratch unavailable")
		return
	}
	tmp, err := os.CreateTemp(s.cfg.ScratchDir, "upload-*"+ext)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "scratch unavailable")
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), file); err != nil {
		writeAPIError(w, http.StatusBadRequest, "upload truncated")
		return
	}

	durationSec, err := s.prober.ProbeDurationSec(ctx, tmp.Name())
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "file is not a readable media file")
		return
	}
	minutes := media.MinutesCeil(durationSec)

	resID, err := s.ledger.Reserve(ctx, tenant.ID, minutes, params.translate)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			writeAPIError(w, http.StatusPaymentRequired, "monthly minute quota exhausted")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	sourceKey := blob.KeyFromHash(tenant.ID, blob.KindSource, hex.EncodeToString(h.Sum(nil))[:8], ext)
	if _, err := tmp.Seek(0, io.SeekStart); err == nil {
		err = s.blobs.Put(ctx, sourceKey, tmp, header.Header.Get("Content-Type"), true)
	}
	if err != nil {
		s.releaseHold(resID)
		writeAPIError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}

	job := &model.Job{
		ID:            model.NewJobID(),
		TenantID:      tenant.ID,
		Kind:          model.KindUpload,
		Source:        sourceKey,
		SourceLang:    params.sourceLang,
		TargetLang:    params.targetLang,
		Translate:     params.translate,
		ModelTier:     s.whisperModel(plan),
		Class:         model.ClassForPlan(plan),
		ReservationID: resID,
		DurationSec:   durationSec,
	}
	s.acceptJob(w, r, job, minutes)
}

// handleSubmitURL enqueues a job for a remote media URL. Only a minimal
// credit hold is placed; the extract stage reconciles once the real duration
// is known.
func (s *Server) handleSubmitURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	plan := tenant.EffectivePlan(s.now())

	res, err := s.limiter.CheckAndConsume(ctx, tenant.ID, ratelimit.ActionTranscription, plan)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "limiter unavailable")
		return
	}
	if !res.Allowed {
		writeRateLimited(w, res.RetryAfter)
		return
	}

	var body struct {
		URL        string `json:"url"`
		SourceLang string `json:"source_lang"`
		TargetLang string `json:"target_lang"`
		Translate  bool   `json:"translate"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeAPIError(w, http.StatusBadRequest, "url must be absolute http(s)")
		return
	}

	translateStr := ""
	if body.Translate {
		translateStr = "true"
	}
	params, ok := s.jobParams(w, body.SourceLang, body.TargetLang, translateStr)
	if !ok {
		return
	}

	resID, err := s.ledger.Reserve(ctx, tenant.ID, urlHoldMinutes, params.translate)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			writeAPIError(w, http.StatusPaymentRequired, "monthly minute quota exhausted")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	job := &model.Job{
		ID:            model.NewJobID(),
		TenantID:      tenant.ID,
		Kind:          model.KindURL,
		Source:        u.String(),
		SourceLang:    params.sourceLang,
		TargetLang:    params.targetLang,
		Translate:     params.translate,
		ModelTier:     s.whisperModel(plan),
		Class:         model.ClassForPlan(plan),
		ReservationID: resID,
	}
	s.acceptJob(w, r, job, 0)
}

// acceptJob persists and enqueues the job, unwinding the reservation when the
// queue rejects it.
func (s *Server) acceptJob(w http.ResponseWriter, r *http.Request, job *model.Job, minutes int) {
	ctx := r.Context()

	if err := s.store.CreateJob(ctx, job); err != nil {
		s.releaseHold(job.ReservationID)
		writeAPIError(w, http.StatusInternalServerError, "persisting job failed")
		return
	}

	err := s.queue.Enqueue(ctx, model.Descriptor{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Class:    job.Class,
		QueuedAt: s.now().UTC(),
	})
	if err != nil {
		s.releaseHold(job.ReservationID)
		_ = s.store.ForceStatus(ctx, job.ID, model.StatusCancelled, &model.ErrorInfo{
			Kind:    model.KindRateLimited,
			Message: "queue full",
		})
		if errors.Is(err, queue.ErrFull) {
			writeAPIError(w, http.StatusTooManyRequests, "queue is at capacity, try again later")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	pos, err := s.queue.Position(ctx, job.Class, job.ID)
	if err != nil {
		pos = -1
	}
	logger := log.WithComponent("api")
	logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("class", string(job.Class)).
		Int("position", pos).
		Msg("job accepted")

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:                job.ID,
		Status:               string(model.StatusQueued),
		DurationMinutes:      minutes,
		QueuePosition:        pos,
		EstimatedWaitSeconds: int(queue.EstimatedWait(pos).Seconds()),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	j, err := s.store.GetTenantJob(ctx, tenant.ID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := jobResponse{
		JobID:           j.ID,
		Status:          string(j.Status),
		CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339),
		SourceLang:      j.SourceLang,
		DetectedLang:    j.DetectedLang,
		TargetLang:      j.TargetLang,
		DurationMinutes: media.MinutesCeil(j.DurationSec),
	}
	if j.Error != nil {
		resp.Error = &jobErrorResponse{Kind: string(j.Error.Kind), Message: j.Error.Message}
	}
	if j.Status == model.StatusQueued {
		if pos, err := s.queue.Position(ctx, j.Class, j.ID); err == nil && pos > 0 {
			resp.QueuePosition = pos
			resp.EstimatedWaitSeconds = int(queue.EstimatedWait(pos).Seconds())
		}
	}
	if j.Status == model.StatusCompleted {
		resp.Downloads = s.downloadLinks(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListTenantJobs(ctx, tenant.ID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "listing jobs failed")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		item := jobResponse{
			JobID:           j.ID,
			Status:          string(j.Status),
			CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339),
			TargetLang:      j.TargetLang,
			DurationMinutes: media.MinutesCeil(j.DurationSec),
		}
		if j.Error != nil {
			item.Error = &jobErrorResponse{Kind: string(j.Error.Kind), Message: j.Error.Message}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleCancelJob cancels a queued job synchronously; an in-flight job is
// cancelled cooperatively through the scheduler. Terminal jobs conflict.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	j, err := s.store.GetTenantJob(ctx, tenant.ID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Status.IsTerminal() {
		writeAPIError(w, http.StatusConflict, "job already "+string(j.Status))
		return
	}

	if j.Status == model.StatusQueued {
		if _, err := s.queue.Remove(ctx, j.Class, j.ID); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "queue removal failed")
			return
		}
		if err := s.store.Transition(ctx, j.ID, model.StatusQueued, model.StatusCancelled); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// A worker claimed it in the meantime; fall through to the
				// cooperative path.
				s.canceller.CancelJob(j.ID)
				writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": false, "status": "cancelling"})
				return
			}
			writeAPIError(w, http.StatusInternalServerError, "cancel failed")
			return
		}
		s.releaseHold(j.ReservationID)
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
		return
	}

	if s.canceller.CancelJob(j.ID) {
		writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": false, "status": "cancelling"})
		return
	}

	// Not running on this instance (stale after a crash): force the terminal
	// state and return the hold.
	if err := s.store.ForceStatus(ctx, j.ID, model.StatusCancelled, nil); err != nil {
		writeAPIError(w, http.StatusConflict, "job state changed, retry")
		return
	}
	s.releaseHold(j.ReservationID)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// handleArtifact redirects to a presigned download for one of the tenant's
// artifact blobs.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	key := chi.URLParam(r, "*")

	if blob.TenantOf(key) != tenant.ID {
		writeAPIError(w, http.StatusNotFound, "artifact not found")
		return
	}
	signed, err := s.blobs.PresignGet(key, presignTTL)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "presign failed")
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	usage, err := s.ledger.CurrentUsage(ctx, tenant.ID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month":               usage.Month,
		"limit_minutes":       usage.LimitMinutes,
		"used_minutes":        usage.UsedMinutes,
		"remaining_minutes":   max(0, usage.LimitMinutes-usage.UsedMinutes),
		"translation_minutes": usage.TranslationMinutes,
	})
}

type jobParams struct {
	sourceLang string
	targetLang string
	translate  bool
}

// jobParams validates the language selection shared by both submission
// endpoints. A target language is mandatory only when translation was
// requested; a plain transcription may omit it. Writes the error response
// itself and returns ok=false on rejection.
func (s *Server) jobParams(w http.ResponseWriter, sourceLang, targetLang, translate string) (jobParams, bool) {
	if sourceLang == "" {
		sourceLang = model.LangAuto
	}
	if !model.ValidLanguage(sourceLang) {
		writeAPIError(w, http.StatusBadRequest, "unsupported source language "+sourceLang)
		return jobParams{}, false
	}
	wantTranslate := translate == "true" || translate == "1"
	if wantTranslate && targetLang == "" {
		writeAPIError(w, http.StatusBadRequest, "target_lang is required when translate is set")
		return jobParams{}, false
	}
	if targetLang != "" && (targetLang == model.LangAuto || !model.ValidLanguage(targetLang)) {
		writeAPIError(w, http.StatusBadRequest, "target_lang must be a supported language code")
		return jobParams{}, false
	}
	return jobParams{
		sourceLang: sourceLang,
		targetLang: targetLang,
		translate:  wantTranslate,
	}, true
}

// releaseHold returns a reservation out-of-band of the request outcome; an
// already-resolved hold is fine.
func (s *Server) releaseHold(reservationID string) {
	if reservationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ledger.Release(ctx, reservationID); err != nil && !errors.Is(err, ledger.ErrReservationResolved) {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Str("reservation_id", reservationID).Msg("release failed")
	}
}

func (s *Server) downloadLinks(j *model.Job) map[string]any {
	sign := func(key string) string {
		if key == "" {
			return ""
		}
		u, err := s.blobs.PresignGet(key, presignTTL)
		if err != nil {
			return ""
		}
		return u
	}

	links := map[string]any{
		"original": map[string]string{
			"srt":  sign(j.Artifacts.SRT),
			"vtt":  sign(j.Artifacts.VTT),
			"json": sign(j.Artifacts.JSON),
		},
	}
	if j.Artifacts.TranslatedSRT != "" || j.Artifacts.TranslatedVTT != "" {
		links["translated"] = map[string]string{
			"srt": sign(j.Artifacts.TranslatedSRT),
			"vtt": sign(j.Artifacts.TranslatedVTT),
		}
	}
	return links
}

func (s *Server) whisperModel(plan model.Plan) string {
	if plan.Paid() {
		return s.cfg.WhisperModelPaid
	}
	return s.cfg.WhisperModelFree
}

func (s *Server) maxFileMB(plan model.Plan) int {
	if plan.Paid() {
		return s.cfg.MaxFileSizeMBPaid
	}
	return s.cfg.MaxFileSizeMBFree
}

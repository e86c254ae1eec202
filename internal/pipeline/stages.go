// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxsub/voxsub/internal/blob"
	"github.com/voxsub/voxsub/internal/ledger"
	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/media"
	"github.com/voxsub/voxsub/internal/model"
	"github.com/voxsub/voxsub/internal/subtitle"
	"github.com/voxsub/voxsub/internal/transcribe"
)

// stageIngest materializes the source into the job's scratch directory and
// verifies the credit hold is still open. Runs while the job shows
// "processing"; its durable output is the scratch source file.
func (d *Driver) stageIngest(ctx context.Context, j *model.Job) (model.Status, error) {
	if j.ReservationID != "" {
		r, err := d.ledger.Get(ctx, j.ReservationID)
		if err != nil {
			if errors.Is(err, ledger.ErrReservationNotFound) {
				return "", model.Wrap(model.KindInternal, err, "reservation lost")
			}
			return "", model.Transient(model.KindInternal, err, "reservation lookup")
		}
		if r.State != ledger.StateHeld {
			return "", model.E(model.KindCancelled, "reservation already resolved (%s)", r.State)
		}
	}

	dir := d.scratchDir(j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", model.Wrap(model.KindIngestFailed, err, "create scratch dir")
	}

	dst := d.sourcePath(j)
	if _, err := os.Stat(dst); err == nil {
		return "", nil // already materialized on a previous attempt
	}

	switch j.Kind {
	case model.KindUpload:
		rc, err := d.blob.GetStream(ctx, j.Source)
		if err != nil {
			return "", model.Transient(model.KindIngestFailed, err, "fetch uploaded source")
		}
		defer rc.Close()
		if err := writeStream(dst, rc); err != nil {
			return "", model.Wrap(model.KindIngestFailed, err, "write source to scratch")
		}
	case model.KindURL:
		if err := d.downloader.Fetch(ctx, j.Source, dst); err != nil {
			return "", model.Transient(model.KindIngestFailed, err, "download source url")
		}
	default:
		return "", model.E(model.KindInternal, "unknown job kind %q", j.Kind)
	}
	return "", nil
}

// stageExtract probes the media duration, reconciles it against the credit
// hold, extracts mono 16 kHz audio and uploads it. Durable outputs: the audio
// blob and the probed duration on the job row.
func (d *Driver) stageExtract(ctx context.Context, j *model.Job) (model.Status, error) {
	if j.AudioKey != "" && j.DurationSec > 0 {
		return "", nil // resumed past the work
	}

	src := d.sourcePath(j)
	durationSec, err := d.media.ProbeDurationSec(ctx, src)
	if err != nil {
		return "", model.Wrap(model.KindExtractionFailed, err, "probe duration")
	}

	if j.ReservationID != "" {
		if err := d.reconcileHold(ctx, j, durationSec); err != nil {
			return "", err
		}
	}

	audioPath := filepath.Join(d.scratchDir(j.ID), "audio.wav")
	if err := d.media.ExtractAudio(ctx, src, audioPath); err != nil {
		return "", model.Wrap(model.KindExtractionFailed, err, "extract audio")
	}

	key, err := d.uploadFile(ctx, j.TenantID, blob.KindAudio, audioPath, ".wav", "audio/wav")
	if err != nil {
		return "", model.Transient(model.KindExtractionFailed, err, "upload audio")
	}

	if err := d.store.SetProbe(ctx, j.ID, durationSec, key); err != nil {
		return "", model.Wrap(model.KindInternal, err, "record probe")
	}
	j.DurationSec = durationSec
	j.AudioKey = key
	return "", nil
}

// reconcileHold compares the probed duration against the minutes held at
// submission. A URL job holds a minimal amount until the real duration is
// known here; the difference is either topped up or, by default, fails the
// job.
func (d *Driver) reconcileHold(ctx context.Context, j *model.Job, durationSec int) error {
	needed := media.MinutesCeil(durationSec)
	r, err := d.ledger.Get(ctx, j.ReservationID)
	if err != nil {
		return model.Transient(model.KindInternal, err, "reservation lookup")
	}
	if needed <= r.Minutes {
		return nil
	}
	if !d.cfg.QuotaTopUp {
		return model.E(model.KindQuotaExceeded,
			"media runs %d minutes but only %d were reserved", needed, r.Minutes)
	}
	if err := d.ledger.TopUp(ctx, j.ReservationID, needed-r.Minutes); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return model.Wrap(model.KindQuotaExceeded, err, "insufficient credits for full duration")
		}
		return model.Transient(model.KindInternal, err, "top up reservation")
	}
	return nil
}

// stageTranscribe runs the speech engine over the extracted audio, records
// the detected language and persists the segments to scratch. Branches to
// translating when the job wants a translation into a different language.
func (d *Driver) stageTranscribe(ctx context.Context, j *model.Job) (model.Status, error) {
	segPath := d.segmentsPath(j.ID)
	if _, err := os.Stat(segPath); err != nil {
		audioPath, err := d.localAudio(ctx, j)
		if err != nil {
			return "", err
		}
		res, err := d.engine.Transcribe(ctx, audioPath, transcribe.Options{
			Model:    j.ModelTier,
			Language: j.SourceLang,
		})
		if err != nil {
			return "", err
		}
		if len(res.Segments) == 0 {
			return "", model.E(model.KindTranscriptionFailed, "engine produced no segments")
		}
		detected := res.Language
		if detected == "" {
			detected = j.SourceLang
		}
		if err := d.store.SetDetectedLang(ctx, j.ID, detected); err != nil {
			return "", model.Wrap(model.KindInternal, err, "record detected language")
		}
		j.DetectedLang = detected
		if err := saveSegments(segPath, res.Segments); err != nil {
			return "", model.Wrap(model.KindTranscriptionFailed, err, "persist segments")
		}
	}

	if j.Translate && d.effectiveLang(j) != j.TargetLang {
		return model.StatusTranslating, nil
	}
	return model.StatusEmitting, nil
}

// stageTranslate translates the transcript segments and persists the result.
func (d *Driver) stageTranslate(ctx context.Context, j *model.Job) (model.Status, error) {
	outPath := d.translatedPath(j.ID)
	if _, err := os.Stat(outPath); err == nil {
		return "", nil
	}

	segs, err := d.segmentsFor(ctx, j)
	if err != nil {
		return "", err
	}
	translated, err := d.translator.TranslateSegments(ctx, segs, d.effectiveLang(j), j.TargetLang, d.cfg.TranslationModel)
	if err != nil {
		return "", err
	}
	if err := saveSegments(outPath, translated); err != nil {
		return "", model.Wrap(model.KindTranslationFailed, err, "persist translated segments")
	}
	return "", nil
}

// artifactPlan describes one output file of the emit stage.
type artifactPlan struct {
	format     subtitle.Format
	kind       blob.ObjectKind
	translated bool
	key        *string // destination field in the job's artifact set
}

// stageEmit renders and uploads the subtitle artifacts. Every uploaded key is
// recorded immediately, so a crashed worker re-runs only the missing files.
// The JSON artifact follows the final text: translated cues carry the source
// text in original_text.
func (d *Driver) stageEmit(ctx context.Context, j *model.Job) (model.Status, error) {
	segs, err := d.segmentsFor(ctx, j)
	if err != nil {
		return "", err
	}
	cues := subtitle.BuildCues(segs)

	didTranslate := j.Translate && d.effectiveLang(j) != j.TargetLang
	jsonCues := cues
	var translatedCues []subtitle.Cue
	if didTranslate {
		tsegs, err := loadSegments(d.translatedPath(j.ID))
		if err != nil {
			return "", model.Wrap(model.KindEmitFailed, err, "load translated segments")
		}
		translatedCues = subtitle.BuildCues(tsegs)
		jsonCues = translatedCues
	}

	arts := j.Artifacts
	plans := []artifactPlan{
		{subtitle.FormatSRT, blob.KindSubSRT, false, &arts.SRT},
		{subtitle.FormatVTT, blob.KindSubVTT, false, &arts.VTT},
		{subtitle.FormatJSON, blob.KindSubJSON, false, &arts.JSON},
	}
	if didTranslate {
		plans = append(plans,
			artifactPlan{subtitle.FormatSRT, blob.KindSubSRT, true, &arts.TranslatedSRT},
			artifactPlan{subtitle.FormatVTT, blob.KindSubVTT, true, &arts.TranslatedVTT},
		)
	}

	for _, p := range plans {
		if *p.key != "" {
			continue // already durable from a previous attempt
		}
		src := cues
		if p.translated {
			src = translatedCues
		}
		if p.format == subtitle.FormatJSON {
			src = jsonCues
		}
		content, err := subtitle.Render(p.format, src)
		if err != nil {
			return "", model.Wrap(model.KindEmitFailed, err, "render "+string(p.format))
		}
		key := blob.Key(j.TenantID, p.kind, []byte(content), p.format.Extension())
		if err := d.blob.Put(ctx, key, strings.NewReader(content), p.format.ContentType(), true); err != nil {
			return "", model.Transient(model.KindEmitFailed, err, "upload "+string(p.format))
		}
		*p.key = key
		if err := d.store.SetArtifacts(ctx, j.ID, arts); err != nil {
			return "", model.Wrap(model.KindInternal, err, "record artifact keys")
		}
	}
	j.Artifacts = arts
	return "", nil
}

// effectiveLang is the language the transcript is in: the detected language
// when known, else the submitted source language.
func (d *Driver) effectiveLang(j *model.Job) string {
	if j.DetectedLang != "" && j.DetectedLang != "auto" {
		return j.DetectedLang
	}
	return j.SourceLang
}

// segmentsFor loads the transcript from scratch, re-transcribing from the
// stored audio when the scratch file is gone (resume on a different host).
func (d *Driver) segmentsFor(ctx context.Context, j *model.Job) ([]model.Segment, error) {
	segPath := d.segmentsPath(j.ID)
	if segs, err := loadSegments(segPath); err == nil {
		return segs, nil
	}

	logger := log.WithComponent("pipeline")
	logger.Warn().
		Str("job_id", j.ID).
		Msg("transcript scratch missing; re-transcribing from stored audio")

	audioPath, err := d.localAudio(ctx, j)
	if err != nil {
		return nil, err
	}
	res, err := d.engine.Transcribe(ctx, audioPath, transcribe.Options{
		Model:    j.ModelTier,
		Language: j.SourceLang,
	})
	if err != nil {
		return nil, err
	}
	if err := saveSegments(segPath, res.Segments); err != nil {
		return nil, model.Wrap(model.KindTranscriptionFailed, err, "persist segments")
	}
	return res.Segments, nil
}

// localAudio ensures the extracted audio exists in scratch, downloading it
// from the blob store when absent.
func (d *Driver) localAudio(ctx context.Context, j *model.Job) (string, error) {
	audioPath := filepath.Join(d.scratchDir(j.ID), "audio.wav")
	if _, err := os.Stat(audioPath); err == nil {
		return audioPath, nil
	}
	if j.AudioKey == "" {
		return "", model.E(model.KindInternal, "no audio recorded for job")
	}
	if err := os.MkdirAll(d.scratchDir(j.ID), 0o755); err != nil {
		return "", model.Wrap(model.KindInternal, err, "create scratch dir")
	}
	rc, err := d.blob.GetStream(ctx, j.AudioKey)
	if err != nil {
		return "", model.Transient(model.KindInternal, err, "fetch stored audio")
	}
	defer rc.Close()
	if err := writeStream(audioPath, rc); err != nil {
		return "", model.Wrap(model.KindInternal, err, "write audio to scratch")
	}
	return audioPath, nil
}

// uploadFile streams a local file into the blob store under a content-hash
// key without holding it in memory.
func (d *Driver) uploadFile(ctx context.Context, tenantID string, kind blob.ObjectKind, path, ext, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	key := blob.KeyFromHash(tenantID, kind, hex.EncodeToString(h.Sum(nil))[:8], ext)
	if err := d.blob.Put(ctx, key, f, contentType, true); err != nil {
		return "", err
	}
	return key, nil
}

func (d *Driver) scratchDir(jobID string) string {
	return filepath.Join(d.cfg.ScratchDir, jobID)
}

// sourcePath keeps the original extension so ffmpeg can sniff the container.
func (d *Driver) sourcePath(j *model.Job) string {
	ext := ""
	switch j.Kind {
	case model.KindUpload:
		ext = filepath.Ext(j.Source)
	case model.KindURL:
		if u, err := url.Parse(j.Source); err == nil {
			ext = filepath.Ext(u.Path)
		}
	}
	return filepath.Join(d.scratchDir(j.ID), "source"+ext)
}

func (d *Driver) segmentsPath(jobID string) string {
	return filepath.Join(d.scratchDir(jobID), "segments.json")
}

func (d *Driver) translatedPath(jobID string) string {
	return filepath.Join(d.scratchDir(jobID), "translated.json")
}

// SPDX-License-Identifier: MIT

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxsub/voxsub/internal/model"
)

const jobColumns = `id, tenant_id, kind, source, source_lang, detected_lang, target_lang,
	translate, model_tier, status, class, reservation_id, duration_sec, audio_key,
	artifacts, error, version, created_at, started_at, completed_at`

// CreateJob persists a new job in status queued.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	if j.Status == "" {
		j.Status = model.StatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Version = 1

	artifacts, err := json.Marshal(j.Artifacts)
	if err != nil {
		return fmt.Errorf("repo: marshal artifacts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, kind, source, source_lang, detected_lang, target_lang,
			translate, model_tier, status, class, reservation_id, duration_sec, audio_key,
			artifacts, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.Kind, j.Source, j.SourceLang, j.DetectedLang, j.TargetLang,
		boolInt(j.Translate), j.ModelTier, j.Status, j.Class, j.ReservationID,
		j.DurationSec, j.AudioKey, string(artifacts), j.Version,
		j.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("repo: insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	return scanJob(row)
}

// GetTenantJob loads a job only if it belongs to the tenant. Jobs of other
// tenants surface as ErrNotFound, not as a permission error.
func (s *Store) GetTenantJob(ctx context.Context, tenantID, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ? AND tenant_id = ?", id, tenantID)
	return scanJob(row)
}

// ListTenantJobs returns the tenant's most recent jobs, newest first.
func (s *Store) ListTenantJobs(ctx context.Context, tenantID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?",
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Transition moves a job from one status to another with a compare-and-swap
// on the current status. Illegal edges fail before touching the database;
// a lost race surfaces as ErrConflict.
func (s *Store) Transition(ctx context.Context, id string, from, to model.Status) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("repo: illegal transition %s -> %s for job %s", from, to, id)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	var err error
	switch {
	case from == model.StatusQueued && to == model.StatusProcessing:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ?, version = version + 1
			WHERE id = ? AND status = ?`, to, now, id, from)
	case to.IsTerminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?, version = version + 1
			WHERE id = ? AND status = ?`, to, now, id, from)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, version = version + 1
			WHERE id = ? AND status = ?`, to, id, from)
	}
	if err != nil {
		return fmt.Errorf("repo: transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ForceStatus sets a terminal status regardless of the current one, except
// that terminal states stay immutable. Used by crash recovery.
func (s *Store) ForceStatus(ctx context.Context, id string, to model.Status, errInfo *model.ErrorInfo) error {
	if !to.IsTerminal() {
		return fmt.Errorf("repo: ForceStatus requires a terminal status, got %s", to)
	}
	var errJSON any
	if errInfo != nil {
		raw, err := json.Marshal(errInfo)
		if err != nil {
			return fmt.Errorf("repo: marshal error info: %w", err)
		}
		errJSON = string(raw)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		to, errJSON, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("repo: force status on job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetProbe records the probed media duration and the extracted audio key.
func (s *Store) SetProbe(ctx context.Context, id string, durationSec int, audioKey string) error {
	return s.updateJob(ctx, id,
		`UPDATE jobs SET duration_sec = ?, audio_key = ?, version = version + 1 WHERE id = ?`,
		durationSec, audioKey, id)
}

// SetDetectedLang records the language reported by the transcription engine.
func (s *Store) SetDetectedLang(ctx context.Context, id, lang string) error {
	return s.updateJob(ctx, id,
		`UPDATE jobs SET detected_lang = ?, version = version + 1 WHERE id = ?`, lang, id)
}

// SetReservation links the job to its credit reservation.
func (s *Store) SetReservation(ctx context.Context, id, reservationID string) error {
	return s.updateJob(ctx, id,
		`UPDATE jobs SET reservation_id = ?, version = version + 1 WHERE id = ?`, reservationID, id)
}

// SetArtifacts stores the emitted blob keys.
func (s *Store) SetArtifacts(ctx context.Context, id string, a model.ArtifactKeys) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("repo: marshal artifacts: %w", err)
	}
	return s.updateJob(ctx, id,
		`UPDATE jobs SET artifacts = ?, version = version + 1 WHERE id = ?`, string(raw), id)
}

// SetError stores a job's error detail without changing its status.
func (s *Store) SetError(ctx context.Context, id string, e model.ErrorInfo) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("repo: marshal error info: %w", err)
	}
	return s.updateJob(ctx, id,
		`UPDATE jobs SET error = ?, version = version + 1 WHERE id = ?`, string(raw), id)
}

// FindInterrupted returns jobs a dead worker left mid-pipeline: anything
// neither queued nor terminal.
func (s *Store) FindInterrupted(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+` FROM jobs
		WHERE status NOT IN ('queued', 'completed', 'failed', 'cancelled')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("repo: find interrupted: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CompletedBefore lists terminal jobs whose completion predates the cutoff.
// The cleaner uses it to find expired artifacts.
func (s *Store) CompletedBefore(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+` FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?
		ORDER BY completed_at`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("repo: completed before: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ActiveBlobKeys collects every blob key still referenced by a non-terminal
// job. The cleaner must never delete these, whatever their age.
func (s *Store) ActiveBlobKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, audio_key, artifacts FROM jobs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')`)
	if err != nil {
		return nil, fmt.Errorf("repo: active blob keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	add := func(k string) {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	for rows.Next() {
		var source, audioKey, artifacts string
		if err := rows.Scan(&source, &audioKey, &artifacts); err != nil {
			return nil, fmt.Errorf("repo: scan active keys: %w", err)
		}
		add(audioKey)
		var a model.ArtifactKeys
		if json.Unmarshal([]byte(artifacts), &a) == nil {
			add(a.SRT)
			add(a.VTT)
			add(a.JSON)
			add(a.TranslatedSRT)
			add(a.TranslatedVTT)
		}
		// URL sources are not blob keys, but a non-key never collides with
		// the tenant/kind/hash scheme, so adding it is harmless.
		add(source)
	}
	return keys, rows.Err()
}

func (s *Store) updateJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repo: update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var translate int
	var artifacts string
	var errJSON sql.NullString
	var created string
	var started, completed sql.NullString

	err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.Source, &j.SourceLang, &j.DetectedLang,
		&j.TargetLang, &translate, &j.ModelTier, &j.Status, &j.Class, &j.ReservationID,
		&j.DurationSec, &j.AudioKey, &artifacts, &errJSON, &j.Version,
		&created, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan job: %w", err)
	}

	j.Translate = translate != 0
	if err := json.Unmarshal([]byte(artifacts), &j.Artifacts); err != nil {
		return nil, fmt.Errorf("repo: corrupt artifacts for job %s: %w", j.ID, err)
	}
	if errJSON.Valid && errJSON.String != "" {
		var e model.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
			return nil, fmt.Errorf("repo: corrupt error info for job %s: %w", j.ID, err)
		}
		j.Error = &e
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if started.Valid {
		j.StartedAt, _ = time.Parse(time.RFC3339, started.String)
	}
	if completed.Valid {
		j.CompletedAt, _ = time.Parse(time.RFC3339, completed.String)
	}
	return &j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

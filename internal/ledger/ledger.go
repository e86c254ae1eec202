// SPDX-License-Identifier: MIT

// Package ledger is the system of record for per-tenant monthly minute
// credits. All mutation goes through Reserve/Commit/Release/Grant; the
// conditional UPDATE predicates make reserve and release linearizable per
// (tenant, month) without an application-side lock.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxsub/voxsub/internal/model"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationResolved = errors.New("reservation already resolved")
)

// ReservationState tracks the lifecycle of a credit hold.
type ReservationState string

const (
	StateHeld      ReservationState = "held"
	StateCommitted ReservationState = "committed"
	StateReleased  ReservationState = "released"
)

// Reservation is a persisted credit hold. Held amounts already count against
// used minutes; Release returns them, Commit finalizes them.
type Reservation struct {
	ID        string
	TenantID  string
	Month     string
	Minutes   int
	Translate bool
	State     ReservationState
	CreatedAt time.Time
}

// Usage is one (tenant, month) ledger row.
type Usage struct {
	TenantID           string
	Month              string
	LimitMinutes       int
	UsedMinutes        int
	TranslationMinutes int
	LastUsedAt         time.Time
}

// LimitResolver returns the plan-derived monthly minute limit for a tenant,
// consulted on lazy month rollover.
type LimitResolver func(ctx context.Context, tenantID string) (int, error)

// Ledger implements the quota operations on SQLite.
type Ledger struct {
	db     *sql.DB
	limits LimitResolver
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	tenant_id TEXT NOT NULL,
	month TEXT NOT NULL,
	minutes_limit INTEGER NOT NULL,
	minutes_used INTEGER NOT NULL DEFAULT 0,
	translation_minutes_used INTEGER NOT NULL DEFAULT 0,
	last_used_at TEXT,
	PRIMARY KEY (tenant_id, month)
);
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	month TEXT NOT NULL,
	minutes INTEGER NOT NULL,
	translate INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'held',
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_reservations_tenant ON reservations(tenant_id, month);
`

// New creates the ledger and its tables.
func New(db *sql.DB, limits LimitResolver) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ledger: schema init failed: %w", err)
	}
	return &Ledger{db: db, limits: limits, now: time.Now}, nil
}

// ensureRow lazily creates the current-month row with the plan-derived limit.
// INSERT OR IGNORE keeps it race-safe across workers.
func (l *Ledger) ensureRow(ctx context.Context, tx *sql.Tx, tenantID, month string) error {
	limit, err := l.limits(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("ledger: resolve limit for %s: %w", tenantID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO usage_ledger (tenant_id, month, minutes_limit, minutes_used, translation_minutes_used) VALUES (?, ?, ?, 0, 0)`,
		tenantID, month, limit)
	return err
}

// Reserve atomically checks used+minutes <= limit, increments used, and
// records a held reservation. Returns ErrInsufficientCredits when the tenant
// cannot cover the request.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, minutes int, translate bool) (string, error) {
	if minutes <= 0 {
		return "", fmt.Errorf("ledger: reserve of %d minutes", minutes)
	}
	month := model.MonthKey(l.now())

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.ensureRow(ctx, tx, tenantID, month); err != nil {
		return "", err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE usage_ledger SET minutes_used = minutes_used + ?, last_used_at = ?
		 WHERE tenant_id = ? AND month = ? AND minutes_limit - minutes_used >= ?`,
		minutes, l.now().UTC().Format(time.RFC3339), tenantID, month, minutes)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrInsufficientCredits
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, tenant_id, month, minutes, translate, state, created_at) VALUES (?, ?, ?, ?, ?, 'held', ?)`,
		id, tenantID, month, minutes, boolInt(translate), l.now().UTC().Format(time.RFC3339)); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// TopUp extends a held reservation by extra minutes, subject to the same
// feasibility predicate as Reserve.
func (l *Ledger) TopUp(ctx context.Context, reservationID string, extra int) error {
	if extra <= 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := getReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if r.State != StateHeld {
		return ErrReservationResolved
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE usage_ledger SET minutes_used = minutes_used + ?
		 WHERE tenant_id = ? AND month = ? AND minutes_limit - minutes_used >= ?`,
		extra, r.TenantID, r.Month, extra)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientCredits
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET minutes = minutes + ? WHERE id = ?`, extra, reservationID); err != nil {
		return err
	}
	return tx.Commit()
}

// Commit finalizes a held reservation. Used minutes already reflect the hold;
// translation minutes are added here when the reservation was flagged.
// Exactly-once: the state predicate makes a second commit a no-op error.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := getReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if r.State != StateHeld {
		return ErrReservationResolved
	}

	now := l.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET state = 'committed', resolved_at = ? WHERE id = ? AND state = 'held'`,
		now, reservationID); err != nil {
		return err
	}
	if r.Translate {
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage_ledger SET translation_minutes_used = translation_minutes_used + ?, last_used_at = ?
			 WHERE tenant_id = ? AND month = ?`,
			r.Minutes, now, r.TenantID, r.Month); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Release returns a held reservation's minutes to the tenant.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := getReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if r.State != StateHeld {
		return ErrReservationResolved
	}

	now := l.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET state = 'released', resolved_at = ? WHERE id = ? AND state = 'held'`,
		now, reservationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_ledger SET minutes_used = MAX(0, minutes_used - ?) WHERE tenant_id = ? AND month = ?`,
		r.Minutes, r.TenantID, r.Month); err != nil {
		return err
	}
	return tx.Commit()
}

// Grant raises the tenant's current-month limit by extra minutes. Used by
// payment and referral flows.
func (l *Ledger) Grant(ctx context.Context, tenantID string, extra int) error {
	if extra <= 0 {
		return fmt.Errorf("ledger: grant of %d minutes", extra)
	}
	month := model.MonthKey(l.now())

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.ensureRow(ctx, tx, tenantID, month); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_ledger SET minutes_limit = minutes_limit + ? WHERE tenant_id = ? AND month = ?`,
		extra, tenantID, month); err != nil {
		return err
	}
	return tx.Commit()
}

// CurrentUsage returns the tenant's row for the current month, creating it
// lazily on first access (rollover).
func (l *Ledger) CurrentUsage(ctx context.Context, tenantID string) (Usage, error) {
	month := model.MonthKey(l.now())

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.ensureRow(ctx, tx, tenantID, month); err != nil {
		return Usage{}, err
	}

	var u Usage
	var lastUsed sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, month, minutes_limit, minutes_used, translation_minutes_used, last_used_at
		 FROM usage_ledger WHERE tenant_id = ? AND month = ?`,
		tenantID, month).Scan(&u.TenantID, &u.Month, &u.LimitMinutes, &u.UsedMinutes, &u.TranslationMinutes, &lastUsed)
	if err != nil {
		return Usage{}, err
	}
	if lastUsed.Valid {
		u.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsed.String)
	}
	if err := tx.Commit(); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// Get returns a reservation by id.
func (l *Ledger) Get(ctx context.Context, reservationID string) (Reservation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback() }()
	r, err := getReservation(ctx, tx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	return r, tx.Commit()
}

func getReservation(ctx context.Context, tx *sql.Tx, id string) (Reservation, error) {
	var r Reservation
	var translate int
	var created string
	err := tx.QueryRowContext(ctx,
		`SELECT id, tenant_id, month, minutes, translate, state, created_at FROM reservations WHERE id = ?`,
		id).Scan(&r.ID, &r.TenantID, &r.Month, &r.Minutes, &translate, &r.State, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	r.Translate = translate != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

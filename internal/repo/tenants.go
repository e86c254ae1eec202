// SPDX-License-Identifier: MIT

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxsub/voxsub/internal/model"
)

// CreateTenant persists a tenant. The token is the bearer credential the
// ingress resolves to a tenant; it must be unique.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant, token string) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Plan == "" {
		t.Plan = model.PlanFree
	}
	var expires any
	if !t.PlanExpiresAt.IsZero() {
		expires = t.PlanExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, token, plan, created_ip, plan_expires_at, billing_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, token, t.Plan, t.CreatedIP, expires, t.BillingRef,
		t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("repo: insert tenant %s: %w", t.ID, err)
	}
	return nil
}

// Tenant loads a tenant by id.
func (s *Store) Tenant(ctx context.Context, id string) (*model.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, plan, created_ip, plan_expires_at, billing_ref, created_at
		FROM tenants WHERE id = ?`, id))
}

// TenantByToken resolves a bearer token to its tenant.
func (s *Store) TenantByToken(ctx context.Context, token string) (*model.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, plan, created_ip, plan_expires_at, billing_ref, created_at
		FROM tenants WHERE token = ?`, token))
}

// UpdatePlan switches a tenant's plan and expiry (zero time clears expiry).
func (s *Store) UpdatePlan(ctx context.Context, id string, plan model.Plan, expiresAt time.Time) error {
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET plan = ?, plan_expires_at = ? WHERE id = ?`, plan, expires, id)
	if err != nil {
		return fmt.Errorf("repo: update plan for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanTenant(row *sql.Row) (*model.Tenant, error) {
	var t model.Tenant
	var created string
	var ip, expires, billing sql.NullString
	err := row.Scan(&t.ID, &t.Plan, &ip, &expires, &billing, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan tenant: %w", err)
	}
	t.CreatedIP = ip.String
	t.BillingRef = billing.String
	if expires.Valid {
		t.PlanExpiresAt, _ = time.Parse(time.RFC3339, expires.String)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &t, nil
}

// BlockIP records a durable IP block until the given time.
func (s *Store) BlockIP(ctx context.Context, ip, reason string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip, reason, blocked_until, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET reason = excluded.reason, blocked_until = excluded.blocked_until`,
		ip, reason, until.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("repo: block ip %s: %w", ip, err)
	}
	return nil
}

// IsIPBlocked reports whether an unexpired block exists for the IP.
func (s *Store) IsIPBlocked(ctx context.Context, ip string, now time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM blocked_ips WHERE ip = ? AND blocked_until > ?`,
		ip, now.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("repo: blocked ip check: %w", err)
	}
	return n > 0, nil
}

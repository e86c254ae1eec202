// SPDX-License-Identifier: MIT

package model

import "time"

// Plan is a tenant's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Paid reports whether the plan is a paying tier.
func (p Plan) Paid() bool { return p != PlanFree && p != "" }

// MonthlyMinutes is the plan's monthly transcription credit. The free tier
// limit is configurable; paid tiers are fixed by the pricing table.
func (p Plan) MonthlyMinutes(freeLimit int) int {
	switch p {
	case PlanStarter:
		return 300
	case PlanPro:
		return 1000
	case PlanPremium:
		return 3000
	case PlanEnterprise:
		return 10000
	default:
		return freeLimit
	}
}

// Class is the scheduling category derived from the plan.
type Class string

const (
	ClassPriority Class = "priority"
	ClassPaid     Class = "paid"
	ClassFree     Class = "free"
)

// ClassForPlan routes a plan to its queue class.
func ClassForPlan(p Plan) Class {
	switch p {
	case PlanEnterprise, PlanPremium:
		return ClassPriority
	case PlanPro, PlanStarter:
		return ClassPaid
	default:
		return ClassFree
	}
}

// Classes lists all classes in strict dequeue priority order.
func Classes() []Class {
	return []Class{ClassPriority, ClassPaid, ClassFree}
}

// Tenant is an account owning jobs and a usage ledger.
type Tenant struct {
	ID            string
	Plan          Plan
	CreatedIP     string
	PlanExpiresAt time.Time
	BillingRef    string
	CreatedAt     time.Time
}

// EffectivePlan degrades an expired paid plan to free.
func (t *Tenant) EffectivePlan(now time.Time) Plan {
	if t.Plan.Paid() && !t.PlanExpiresAt.IsZero() && now.After(t.PlanExpiresAt) {
		return PlanFree
	}
	if t.Plan == "" {
		return PlanFree
	}
	return t.Plan
}

// MonthKey formats t as the ledger month key (YYYY-MM, UTC).
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// SPDX-License-Identifier: MIT

// Package translate translates subtitle segments through external text
// providers, with marker-based batching, provider failover, hourly budgets,
// request pacing and a Redis result cache.
package translate

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/model"
)

var (
	providerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "translate_provider_requests_total",
			Help:      "Translation provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)
	providerSaturated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "translate_provider_saturated_total",
			Help:      "Times a provider was marked saturated",
		},
		[]string{"provider"},
	)
)

// Request is one provider call.
type Request struct {
	Text       string
	SourceLang string
	TargetLang string
	Model      string
}

// Provider translates a single text block.
type Provider interface {
	Name() string
	Translate(ctx context.Context, req Request) (string, error)
}

// saturationBackoff is how long a failing provider sits out before being
// tried again.
const saturationBackoff = 10 * time.Minute

type entry struct {
	provider Provider
	budget   int // chars per hour; 0 means unlimited

	mu             sync.Mutex
	hourStart      time.Time
	usedChars      int
	saturatedUntil time.Time
}

// Registry orders providers by preference and routes each block to the first
// one that is neither saturated nor over its hourly character budget.
type Registry struct {
	entries []*entry
	now     func() time.Time
}

// NewRegistry builds a registry; providers are tried in the given order.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register appends a provider with an hourly character budget (0 = unlimited).
func (r *Registry) Register(p Provider, hourlyCharBudget int) {
	r.entries = append(r.entries, &entry{provider: p, budget: hourlyCharBudget})
}

func (e *entry) usable(now time.Time, chars int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if now.Before(e.saturatedUntil) {
		return false
	}
	if e.budget <= 0 {
		return true
	}
	if now.Sub(e.hourStart) >= time.Hour {
		e.hourStart = now
		e.usedChars = 0
	}
	return e.usedChars+chars <= e.budget
}

func (e *entry) consume(chars int) {
	e.mu.Lock()
	e.usedChars += chars
	e.mu.Unlock()
}

func (e *entry) saturate(until time.Time) {
	e.mu.Lock()
	e.saturatedUntil = until
	e.mu.Unlock()
	providerSaturated.WithLabelValues(e.provider.Name()).Inc()
}

// Do translates one block, failing over across providers. A provider that
// errors is saturated for saturationBackoff and the next one is tried.
// Transient errors from the last usable provider propagate to the caller's
// retry loop.
func (r *Registry) Do(ctx context.Context, req Request) (string, error) {
	logger := log.WithComponent("translate")
	chars := len(req.Text)
	now := r.now()

	var lastErr error
	for _, e := range r.entries {
		if !e.usable(now, chars) {
			continue
		}

		out, err := e.provider.Translate(ctx, req)
		if err != nil {
			providerRequests.WithLabelValues(e.provider.Name(), "error").Inc()
			logger.Warn().
				Err(err).
				Str("provider", e.provider.Name()).
				Msg("provider failed, trying next")
			e.saturate(now.Add(saturationBackoff))
			lastErr = err
			continue
		}

		providerRequests.WithLabelValues(e.provider.Name(), "ok").Inc()
		e.consume(chars)
		return out, nil
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", model.Transient(model.KindTranslationFailed, nil, "all providers saturated or over budget")
}

// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/model"
	"github.com/voxsub/voxsub/internal/ratelimit"
)

type ctxKey string

const tenantCtxKey ctxKey = "tenant"

// tenantFrom returns the authenticated tenant stored by the auth middleware.
func tenantFrom(ctx context.Context) *model.Tenant {
	t, _ := ctx.Value(tenantCtxKey).(*model.Tenant)
	return t
}

// recoverer turns handler panics into a 500 instead of tearing the
// connection down.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithComponent("api")
				logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeAPIError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns a correlation id, honoring one supplied by a proxy.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// requestLogger emits one structured line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		logger := log.WithContext(r.Context(), log.WithComponent("api"))
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Str("remote", clientIP(r)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// abuseGuard rejects blacklisted or flooding IPs before any handler work.
// Flooding escalates into a temporary blacklist plus a persistent block.
func (s *Server) abuseGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ctx := r.Context()

		if banned, err := s.limiter.IsBlacklisted(ctx, ip); err == nil && banned {
			writeAPIError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		if blocked, err := s.store.IsIPBlocked(ctx, ip, s.now()); err == nil && blocked {
			writeAPIError(w, http.StatusForbidden, "access blocked")
			return
		}
		if flooding, err := s.limiter.IsFlooding(ctx, ip); err == nil && flooding {
			_ = s.limiter.Blacklist(ctx, ip, time.Hour)
			_ = s.store.BlockIP(ctx, ip, "request flooding", s.now().Add(24*time.Hour))
			logger := log.WithComponent("api")
			logger.Warn().Str("ip", ip).Msg("flooding ip blocked")
			writeAPIError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token to a tenant and stores it in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeAPIError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		tenant, err := s.store.TenantByToken(r.Context(), token)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), tenantCtxKey, tenant)
		ctx = log.ContextWithTenantID(ctx, tenant.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apiCallLimit charges every authenticated request against the tenant's
// api_call window, on top of the per-action caps the handlers apply.
func (s *Server) apiCallLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenant := tenantFrom(ctx)
		res, err := s.limiter.CheckAndConsume(ctx, tenant.ID, ratelimit.ActionAPICall, tenant.EffectivePlan(s.now()))
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "limiter unavailable")
			return
		}
		if !res.Allowed {
			writeRateLimited(w, res.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote address without the port. Proxy headers are
// deliberately ignored; run the daemon behind a trusted proxy that rewrites
// RemoteAddr, or terminate directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

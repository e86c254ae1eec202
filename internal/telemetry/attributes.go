// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Job attributes
	JobIDKey       = "job.id"
	JobClassKey    = "job.class"
	JobStatusKey   = "job.status"
	JobTenantKey   = "job.tenant_id"
	JobDurationKey = "job.duration_ms"

	// Pipeline stage attributes
	StageNameKey    = "stage.name"
	StageAttemptKey = "stage.attempt"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobID, class, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobClassKey, class),
		attribute.String(JobStatusKey, status),
	}
}

// StageAttributes creates pipeline stage span attributes.
func StageAttributes(name string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StageNameKey, name),
		attribute.Int(StageAttemptKey, attempt),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

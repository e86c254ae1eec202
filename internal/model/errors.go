// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a compact, typed failure signal. Keep these stable: metrics, the
// persisted job error and client UX depend on them.
type Kind string

const (
	KindBadInput            Kind = "BadInput"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindQuotaExceeded       Kind = "QuotaExceeded"
	KindRateLimited         Kind = "RateLimited"
	KindIngestFailed        Kind = "IngestFailed"
	KindExtractionFailed    Kind = "ExtractionFailed"
	KindTranscriptionFailed Kind = "TranscriptionFailed"
	KindTranslationFailed   Kind = "TranslationFailed"
	KindEmitFailed          Kind = "EmitFailed"
	KindTimeout             Kind = "Timeout"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "Internal"
)

// Error is the typed domain error carried from stages to the pipeline driver
// and, for ingress failures, to the HTTP layer.
type Error struct {
	Kind      Kind
	Message   string
	Transient bool // transient errors are retried inside the stage
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a non-transient typed error.
func E(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(msg, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Transient constructs an error that the stage retry loop may retry.
func Transient(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err, Transient: true}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}

// HTTPStatus maps an error kind to the ingress status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

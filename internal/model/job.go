// SPDX-License-Identifier: MIT

// Package model holds the core domain types for the voxsub job pipeline:
// jobs, tenants, plans, segments and the typed error taxonomy.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Status is the job lifecycle state. Transitions are restricted to the DAG
// enforced by CanTransition; terminal states are immutable.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProcessing   Status = "processing"
	StatusExtracting   Status = "extracting"
	StatusTranscribing Status = "transcribing"
	StatusTranslating  Status = "translating"
	StatusEmitting     Status = "emitting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal returns true if the state is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var forward = map[Status][]Status{
	StatusQueued:       {StatusProcessing},
	StatusProcessing:   {StatusExtracting},
	StatusExtracting:   {StatusTranscribing},
	StatusTranscribing: {StatusTranslating, StatusEmitting},
	StatusTranslating:  {StatusEmitting},
	StatusEmitting:     {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge. Any non-terminal
// state may move to failed or cancelled.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobKind distinguishes uploaded files from URL submissions.
type JobKind string

const (
	KindUpload JobKind = "upload"
	KindURL    JobKind = "url"
)

// ArtifactKeys holds the blob keys of emitted subtitle files. A key is set
// only once the corresponding artifact has been uploaded.
type ArtifactKeys struct {
	SRT           string `json:"srt,omitempty"`
	VTT           string `json:"vtt,omitempty"`
	JSON          string `json:"json,omitempty"`
	TranslatedSRT string `json:"srt_t,omitempty"`
	TranslatedVTT string `json:"vtt_t,omitempty"`
}

// ErrorInfo is the persisted terminal error of a failed job.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Job is the durable record driven through the pipeline.
type Job struct {
	ID            string
	TenantID      string
	Kind          JobKind
	Source        string // blob key (upload) or URL
	SourceLang    string // "auto" or ISO 639-1; detected language overwrites after transcription
	DetectedLang  string
	TargetLang    string
	Translate     bool
	ModelTier     string // transcription model name, derived from plan at submission
	Status        Status
	Class         Class
	ReservationID string
	DurationSec   int // set after probe; ceiling of media duration
	AudioKey      string
	Artifacts     ArtifactKeys
	Error         *ErrorInfo
	Version       int64 // optimistic concurrency token
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// NewJobID returns an opaque 12-character lowercase hex identifier.
func NewJobID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the platform is broken; fall back to time.
		now := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(now >> (8 * i))
		}
	}
	return hex.EncodeToString(b[:])
}

// Descriptor is the compact queue entry for a job. The full record lives in
// the repository; the queue only needs routing data.
type Descriptor struct {
	JobID    string    `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	Class    Class     `json:"class"`
	QueuedAt time.Time `json:"queued_at"`
}

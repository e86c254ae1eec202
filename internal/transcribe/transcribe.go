// SPDX-License-Identifier: MIT

// Package transcribe turns extracted audio into timed text segments via an
// external speech-to-text engine.
package transcribe

import (
	"context"

	"github.com/voxsub/voxsub/internal/model"
)

// Options select the engine model and input language. Language "auto" (or
// empty) requests detection.
type Options struct {
	Model    string
	Language string
}

// Result is the engine output after normalization.
type Result struct {
	Language string
	Segments []model.Segment
}

// Transcriber converts an audio file into segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
}

// SPDX-License-Identifier: MIT

package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/model"
)

// Engine is the HTTP client for the whisper-compatible transcription server.
type Engine struct {
	baseURL string
	client  *http.Client
}

// NewEngine builds the client. The zero timeout on the HTTP client is
// deliberate: long files take long; the caller bounds the call with ctx.
func NewEngine(baseURL string) *Engine {
	return &Engine{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type wireWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type wireSegment struct {
	Start float64    `json:"start"`
	End   float64    `json:"end"`
	Text  string     `json:"text"`
	Words []wireWord `json:"words,omitempty"`
}

type wireResponse struct {
	Language string        `json:"language"`
	Segments []wireSegment `json:"segments"`
}

// Transcribe uploads the audio file and returns cleaned segments.
func (e *Engine) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	f, err := os.Open(audioPath) // #nosec G304 -- path is worker scratch, not user input
	if err != nil {
		return Result{}, model.Wrap(model.KindTranscriptionFailed, err, "open audio file")
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Result{}, model.Wrap(model.KindTranscriptionFailed, err, "build upload form")
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, model.Wrap(model.KindTranscriptionFailed, err, "read audio file")
	}
	_ = mw.WriteField("model", opts.Model)
	if opts.Language != "" && opts.Language != model.LangAuto {
		_ = mw.WriteField("language", opts.Language)
	}
	_ = mw.WriteField("word_timestamps", "true")
	if err := mw.Close(); err != nil {
		return Result{}, model.Wrap(model.KindTranscriptionFailed, err, "finalize upload form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/transcribe", &buf)
	if err != nil {
		return Result{}, model.Wrap(model.KindTranscriptionFailed, err, "build request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	started := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, model.Transient(model.KindTranscriptionFailed, err, "engine unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, model.Transient(model.KindTranscriptionFailed,
			fmt.Errorf("engine returned %d: %s", resp.StatusCode, body), "engine error")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, model.E(model.KindTranscriptionFailed,
			"engine rejected request: %d: %s", resp.StatusCode, body)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Result{}, model.Wrap(model.KindTranscriptionFailed, err, "decode engine response")
	}

	segments := make([]model.Segment, 0, len(wire.Segments))
	for _, ws := range wire.Segments {
		seg := model.Segment{Start: ws.Start, End: ws.End, Text: ws.Text}
		for _, w := range ws.Words {
			seg.Words = append(seg.Words, model.Word{Word: w.Word, Start: w.Start, End: w.End})
		}
		segments = append(segments, seg)
	}
	cleaned := Normalize(segments)
	if len(cleaned) == 0 {
		return Result{}, model.E(model.KindTranscriptionFailed,
			"engine produced no usable segments")
	}

	logger := log.WithComponent("transcribe")
	logger.Info().
		Str("model", opts.Model).
		Str("language", wire.Language).
		Int("segments_raw", len(segments)).
		Int("segments", len(cleaned)).
		Dur("took", time.Since(started)).
		Msg("transcription complete")

	return Result{Language: wire.Language, Segments: cleaned}, nil
}

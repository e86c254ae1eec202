// SPDX-License-Identifier: MIT

package subtitle

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/renameio/v2"
)

// Format identifies a subtitle output format.
type Format string

const (
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatJSON Format = "json"
)

// Extension returns the file extension including the dot.
func (f Format) Extension() string { return "." + string(f) }

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "application/x-subrip"
	}
}

// RenderSRT renders cues as SubRip: 1-based index, comma millisecond
// separator, blank line between entries.
func RenderSRT(cues []Cue) string {
	var b strings.Builder
	for _, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			c.Index, srtTime(c.Start), srtTime(c.End), c.Text())
	}
	return b.String()
}

// RenderVTT renders cues as WebVTT: header, dot millisecond separator, no
// cue numbers.
func RenderVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			vttTime(c.Start), vttTime(c.End), c.Text())
	}
	return b.String()
}

type jsonCue struct {
	ID           int     `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	OriginalText string  `json:"original_text,omitempty"`
}

// RenderJSON renders cues as a newline-terminated JSON array of
// {id, start, end, text} objects, plus original_text for translated cues.
func RenderJSON(cues []Cue) (string, error) {
	out := make([]jsonCue, len(cues))
	for i, c := range cues {
		out[i] = jsonCue{
			ID:    c.Index,
			Start: c.Start,
			End:   c.End,
			Text:  c.Text(),
		}
		if c.OriginalText != "" && c.OriginalText != out[i].Text {
			out[i].OriginalText = c.OriginalText
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("subtitle: marshal json: %w", err)
	}
	return string(raw) + "\n", nil
}

// Render dispatches on format.
func Render(f Format, cues []Cue) (string, error) {
	switch f {
	case FormatSRT:
		return RenderSRT(cues), nil
	case FormatVTT:
		return RenderVTT(cues), nil
	case FormatJSON:
		return RenderJSON(cues)
	default:
		return "", fmt.Errorf("subtitle: unknown format %q", f)
	}
}

// WriteFile atomically writes rendered subtitle content; a crash mid-write
// never leaves a torn file behind.
func WriteFile(path, content string) error {
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("subtitle: write %s: %w", path, err)
	}
	return nil
}

// splitTime truncates the fractional second to milliseconds (round down).
func splitTime(seconds float64) (h, m, s, ms int) {
	if seconds < 0 {
		seconds = 0
	}
	total := int(math.Floor(seconds * 1000))
	ms = total % 1000
	total /= 1000
	s = total % 60
	total /= 60
	m = total % 60
	h = total / 60
	return
}

func srtTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func vttTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

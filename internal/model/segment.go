// SPDX-License-Identifier: MIT

package model

// Word carries per-word timing from the transcription engine.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is a timestamped text span produced by the transcription engine.
// Start/End are seconds from media start; End >= Start always holds after
// transcript cleanup.
type Segment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	OriginalText string  `json:"original_text,omitempty"`
	Words        []Word  `json:"words,omitempty"`
}

// Duration returns the span length in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

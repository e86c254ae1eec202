// SPDX-License-Identifier: MIT

package transcribe

import (
	"strings"
	"unicode"

	"github.com/voxsub/voxsub/internal/model"
)

// mergedMaxSeconds caps how long a stitched segment may grow. Beyond this a
// subtitle cue gets unreadable, so fragments stay separate.
const mergedMaxSeconds = 4.0

// Normalize cleans raw engine output: drops empty segments, trims text,
// clamps inverted timings and stitches sentence fragments back together.
//
// Two adjacent segments merge when they touch or overlap and the boundary
// looks mid-sentence: the second starts lowercase, or the first has no
// terminal punctuation.
func Normalize(in []model.Segment) []model.Segment {
	cleaned := make([]model.Segment, 0, len(in))
	for _, s := range in {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		cleaned = append(cleaned, s)
	}

	if len(cleaned) < 2 {
		return cleaned
	}

	out := cleaned[:1]
	for _, next := range cleaned[1:] {
		cur := &out[len(out)-1]
		if shouldMerge(*cur, next) {
			cur.Text = cur.Text + " " + next.Text
			cur.End = next.End
			cur.Words = append(cur.Words, next.Words...)
			continue
		}
		out = append(out, next)
	}
	return out
}

func shouldMerge(cur, next model.Segment) bool {
	gap := next.Start - cur.End
	if gap > 0 {
		return false
	}
	if next.End-cur.Start > mergedMaxSeconds {
		return false
	}
	return startsLowercase(next.Text) || !endsSentence(cur.Text)
}

func startsLowercase(s string) bool {
	for _, r := range s {
		return unicode.IsLower(r)
	}
	return false
}

func endsSentence(s string) bool {
	if s == "" {
		return false
	}
	r := []rune(s)
	switch r[len(r)-1] {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

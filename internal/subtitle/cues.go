// SPDX-License-Identifier: MIT

// Package subtitle turns timed segments into subtitle cues and renders them
// as SRT, WebVTT and JSON. Output is deterministic for a given input.
package subtitle

import (
	"strings"

	"github.com/voxsub/voxsub/internal/model"
)

const (
	// MaxLineChars is the readability cap per rendered line.
	MaxLineChars = 42
	// MaxLines bounds lines per cue; longer text splits into more cues.
	MaxLines = 2

	// minCueSeconds keeps clamped cues from collapsing to zero duration.
	minCueSeconds = 0.001
)

// Cue is one renderable subtitle entry. OriginalText carries the
// pre-translation text of the source segment when present.
type Cue struct {
	Index        int
	Start        float64
	End          float64
	Lines        []string
	OriginalText string
}

// Text joins the cue's lines with newlines.
func (c Cue) Text() string { return strings.Join(c.Lines, "\n") }

// BuildCues converts segments into cues. Segments with word timings split at
// word boundaries with real timestamps; segments without them fall back to a
// greedy character pack with the segment duration divided equally between
// chunks. Cue times never overlap: each start is clamped to the previous end.
func BuildCues(segments []model.Segment) []Cue {
	var cues []Cue
	for _, seg := range segments {
		var segCues []Cue
		if wordsCoverText(seg) {
			segCues = cuesFromWords(seg)
		} else {
			segCues = cuesFromText(seg)
		}
		for i := range segCues {
			segCues[i].OriginalText = seg.OriginalText
		}
		cues = append(cues, segCues...)
	}

	for i := range cues {
		if i > 0 && cues[i].Start < cues[i-1].End {
			cues[i].Start = cues[i-1].End
			// The shift may have swallowed the cue's whole window; give it
			// the minimum duration so it still renders.
			if cues[i].End < cues[i].Start+minCueSeconds {
				cues[i].End = cues[i].Start + minCueSeconds
			}
		}
		// A segment that was zero-duration on input stays zero-duration.
		if cues[i].End < cues[i].Start {
			cues[i].End = cues[i].Start
		}
		cues[i].Index = i + 1
	}
	return cues
}

// wordsCoverText guards against engines that emit word lists inconsistent
// with the segment text; those fall back to the text path.
func wordsCoverText(seg model.Segment) bool {
	if len(seg.Words) == 0 {
		return false
	}
	var joined strings.Builder
	for _, w := range seg.Words {
		joined.WriteString(strings.TrimSpace(w.Word))
	}
	collapsed := strings.ReplaceAll(seg.Text, " ", "")
	return joined.String() == collapsed
}

// cuesFromWords packs words into cues of at most MaxLines*MaxLineChars
// characters, timing each cue by its first and last word.
func cuesFromWords(seg model.Segment) []Cue {
	budget := MaxLines * MaxLineChars
	var cues []Cue
	var words []model.Word
	length := 0

	flush := func() {
		if len(words) == 0 {
			return
		}
		texts := make([]string, len(words))
		for i, w := range words {
			texts[i] = strings.TrimSpace(w.Word)
		}
		cues = append(cues, Cue{
			Start: words[0].Start,
			End:   words[len(words)-1].End,
			Lines: wrapLines(strings.Join(texts, " ")),
		})
		words = nil
		length = 0
	}

	for _, w := range seg.Words {
		wl := len([]rune(strings.TrimSpace(w.Word)))
		if len(words) > 0 && length+1+wl > budget {
			flush()
		}
		if len(words) > 0 {
			length++
		}
		length += wl
		words = append(words, w)
	}
	flush()
	return cues
}

// cuesFromText splits the segment text greedily at word boundaries and
// divides the segment duration equally between the resulting chunks.
func cuesFromText(seg model.Segment) []Cue {
	chunks := packChunks(seg.Text, MaxLines*MaxLineChars)
	if len(chunks) == 0 {
		return nil
	}

	per := (seg.End - seg.Start) / float64(len(chunks))
	cues := make([]Cue, len(chunks))
	for i, chunk := range chunks {
		cues[i] = Cue{
			Start: seg.Start + float64(i)*per,
			End:   seg.Start + float64(i+1)*per,
			Lines: wrapLines(chunk),
		}
	}
	return cues
}

// packChunks greedily packs words into chunks of at most budget characters.
// A single word longer than the budget becomes its own chunk.
func packChunks(text string, budget int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	for _, w := range words {
		wl := len([]rune(w))
		if curLen > 0 && curLen+1+wl > budget {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(w)
		curLen += wl
	}
	if curLen > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// wrapLines breaks a chunk into at most MaxLines lines of MaxLineChars,
// preferring a balanced break near the middle.
func wrapLines(text string) []string {
	runes := []rune(text)
	if len(runes) <= MaxLineChars {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 1 {
		return []string{text}
	}

	// Pick the word boundary closest to the midpoint that keeps both lines
	// within the cap; fall back to the last fitting boundary.
	best := -1
	bestDist := len(runes)
	pos := 0
	for i := 0; i < len(words)-1; i++ {
		pos += len([]rune(words[i]))
		if i > 0 {
			pos++
		}
		first := pos
		second := len(runes) - pos - 1
		if first > MaxLineChars || second > MaxLineChars {
			continue
		}
		dist := abs(first - second)
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	if best < 0 {
		return []string{text}
	}
	return []string{
		strings.Join(words[:best+1], " "),
		strings.Join(words[best+1:], " "),
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

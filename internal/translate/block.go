// SPDX-License-Identifier: MIT

package translate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxBlockChars bounds the marked-up text sent per provider call.
const maxBlockChars = 4000

var markerRe = regexp.MustCompile(`\[SEG(\d+)\]`)

// Block is a batch of segment texts sent as one provider request. Indices
// refer back to the caller's segment slice.
type Block struct {
	Indices []int
	Texts   []string
}

// buildBlocks packs texts into blocks whose encoded form stays under
// maxBlockChars. A single oversized text still gets its own block.
func buildBlocks(texts []string) []Block {
	var blocks []Block
	var cur Block
	curLen := 0

	for i, text := range texts {
		entry := len(markerFor(len(cur.Indices))) + 1 + len(text) + 1
		if len(cur.Indices) > 0 && curLen+entry > maxBlockChars {
			blocks = append(blocks, cur)
			cur = Block{}
			curLen = 0
			entry = len(markerFor(0)) + 1 + len(text) + 1
		}
		cur.Indices = append(cur.Indices, i)
		cur.Texts = append(cur.Texts, text)
		curLen += entry
	}
	if len(cur.Indices) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

func markerFor(k int) string {
	return fmt.Sprintf("[SEG%d]", k)
}

// encode renders the block as marker-prefixed lines. Markers are numbered
// within the block, not by segment index, so a provider reordering or
// dropping lines cannot corrupt unrelated segments.
func (b Block) encode() string {
	lines := make([]string, len(b.Texts))
	for k, text := range b.Texts {
		lines[k] = markerFor(k) + " " + text
	}
	return strings.Join(lines, "\n")
}

// decode parses a provider response back into block-local positions.
// Providers sometimes merge or reflow lines, so parsing splits on markers
// rather than newlines.
func (b Block) decode(output string) map[int]string {
	out := make(map[int]string)

	matches := markerRe.FindAllStringSubmatchIndex(output, -1)
	for i, m := range matches {
		k, err := strconv.Atoi(output[m[2]:m[3]])
		if err != nil || k < 0 || k >= len(b.Texts) {
			continue
		}
		end := len(output)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		text := strings.TrimSpace(output[m[1]:end])
		if text != "" {
			out[k] = text
		}
	}
	return out
}

// SPDX-License-Identifier: MIT

// Package media shells out to ffmpeg/ffprobe for duration probing and audio
// extraction. Transcription wants mono 16 kHz PCM regardless of the input
// container.
package media

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/voxsub/voxsub/internal/log"
)

// Toolchain locates the external binaries.
type Toolchain struct {
	FFmpegPath  string
	FFprobePath string
}

// ProbeDurationSec returns the media duration in whole seconds, rounded up.
func (t Toolchain) ProbeDurationSec(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, t.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("media: ffprobe %s: %w (%s)", path, err, firstLine(stderr.String()))
	}

	raw := strings.TrimSpace(stdout.String())
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("media: ffprobe returned unparsable duration %q for %s", raw, path)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("media: non-positive duration %.3fs for %s", seconds, path)
	}
	return int(math.Ceil(seconds)), nil
}

// ExtractAudio transcodes src into mono 16 kHz 16-bit PCM WAV at dst,
// discarding video streams. Overwrites dst when present.
func (t Toolchain) ExtractAudio(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.FFmpegPath,
		"-y",
		"-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger := log.WithComponent("media")
	logger.Debug().
		Str("src", src).
		Str("dst", dst).
		Msg("extracting audio")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("media: ffmpeg extract %s: %w (%s)", src, err, firstLine(stderr.String()))
	}
	return nil
}

// firstLine trims ffmpeg's noisy stderr to the leading diagnostic.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// MinutesCeil converts a duration in seconds to billing minutes, rounding up.
// Zero seconds bills zero minutes.
func MinutesCeil(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

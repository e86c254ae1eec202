// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"

	"github.com/voxsub/voxsub/internal/model"
)

// saveSegments writes the segment list atomically; a crash mid-write never
// leaves a torn scratch file behind.
func saveSegments(path string, segs []model.Segment) error {
	data, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("pipeline: marshal segments: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write %s: %w", path, err)
	}
	return nil
}

func loadSegments(path string) ([]model.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var segs []model.Segment
	if err := json.Unmarshal(data, &segs); err != nil {
		return nil, fmt.Errorf("pipeline: corrupt segments file %s: %w", path, err)
	}
	return segs, nil
}

// writeStream copies r into path atomically.
func writeStream(path string, r io.Reader) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, r); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// CleanScratch removes the job's scratch directory after a terminal state.
func (d *Driver) CleanScratch(jobID string) error {
	return os.RemoveAll(d.scratchDir(jobID))
}

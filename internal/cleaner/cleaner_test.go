// SPDX-License-Identifier: MIT

package cleaner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxsub/voxsub/internal/blob"
)

type fakeBlobs struct {
	objects   map[string]time.Time
	deleted   []string
	deleteErr map[string]error
}

func (f *fakeBlobs) ListOlderThan(_ context.Context, prefix string, cutoff time.Time) ([]blob.Object, error) {
	var out []blob.Object
	for key, mod := range f.objects {
		if mod.Before(cutoff) {
			out = append(out, blob.Object{Key: key, LastModified: mod})
		}
	}
	return out, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

type fakeRefs struct {
	active map[string]struct{}
}

func (f *fakeRefs) ActiveBlobKeys(context.Context) (map[string]struct{}, error) {
	return f.active, nil
}

func TestSweepDeletesExpiredUnreferencedBlobs(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	blobs := &fakeBlobs{objects: map[string]time.Time{
		"tenant-a/subtitles/srt/old.srt":  now.Add(-48 * time.Hour),
		"tenant-a/audio/inflight.wav":     now.Add(-48 * time.Hour),
		"tenant-a/subtitles/vtt/new.vtt":  now.Add(-time.Hour),
		"tenant-b/subtitles/json/old.jso": now.Add(-30 * time.Hour),
	}}
	refs := &fakeRefs{active: map[string]struct{}{
		"tenant-a/audio/inflight.wav": {},
	}}

	c := New(blobs, refs, Config{ArtifactTTL: 24 * time.Hour})
	c.now = func() time.Time { return now }

	require.NoError(t, c.RunOnce(context.Background()))

	assert.ElementsMatch(t,
		[]string{"tenant-a/subtitles/srt/old.srt", "tenant-b/subtitles/json/old.jso"},
		blobs.deleted)
	// Fresh and in-use blobs survive.
	assert.Contains(t, blobs.objects, "tenant-a/subtitles/vtt/new.vtt")
	assert.Contains(t, blobs.objects, "tenant-a/audio/inflight.wav")
}

func TestSweepContinuesPastDeleteFailures(t *testing.T) {
	now := time.Now()
	blobs := &fakeBlobs{
		objects: map[string]time.Time{
			"tenant-a/subtitles/srt/a.srt": now.Add(-48 * time.Hour),
			"tenant-a/subtitles/srt/b.srt": now.Add(-48 * time.Hour),
		},
		deleteErr: map[string]error{
			"tenant-a/subtitles/srt/a.srt": errors.New("storage hiccup"),
		},
	}

	c := New(blobs, &fakeRefs{}, Config{ArtifactTTL: 24 * time.Hour})
	require.NoError(t, c.RunOnce(context.Background()))

	assert.Equal(t, []string{"tenant-a/subtitles/srt/b.srt"}, blobs.deleted)
}

func TestSweepScratchRemovesStaleDirs(t *testing.T) {
	scratch := t.TempDir()
	now := time.Now()

	stale := filepath.Join(scratch, "job-stale")
	fresh := filepath.Join(scratch, "job-fresh")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.Chtimes(stale, now.Add(-8*time.Hour), now.Add(-8*time.Hour)))

	// A stray file at the top level is left alone.
	strayFile := filepath.Join(scratch, "notes.txt")
	require.NoError(t, os.WriteFile(strayFile, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(strayFile, now.Add(-8*time.Hour), now.Add(-8*time.Hour)))

	c := New(&fakeBlobs{objects: map[string]time.Time{}}, &fakeRefs{}, Config{
		ArtifactTTL: 24 * time.Hour,
		ScratchTTL:  4 * time.Hour,
		ScratchDir:  scratch,
	})
	require.NoError(t, c.RunOnce(context.Background()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(strayFile)
	assert.NoError(t, err)
}

func TestSweepScratchMissingDirIsNoop(t *testing.T) {
	c := New(&fakeBlobs{objects: map[string]time.Time{}}, &fakeRefs{}, Config{
		ArtifactTTL: 24 * time.Hour,
		ScratchTTL:  4 * time.Hour,
		ScratchDir:  filepath.Join(t.TempDir(), "does-not-exist"),
	})
	require.NoError(t, c.RunOnce(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(&fakeBlobs{objects: map[string]time.Time{}}, &fakeRefs{}, Config{
		ArtifactTTL: 24 * time.Hour,
		Interval:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop after cancel")
	}
}

// SPDX-License-Identifier: MIT

package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxsub/voxsub/internal/model"
)

// fakeProvider uppercases each marked line, optionally failing first or
// dropping markers.
type fakeProvider struct {
	name        string
	calls       int
	failFirst   int
	failErr     error
	failMatch   string
	dropMarkers map[int]bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Translate(ctx context.Context, req Request) (string, error) {
	f.calls++
	if f.failMatch != "" && strings.Contains(req.Text, f.failMatch) {
		return "", model.E(model.KindTranslationFailed, "fake rejection")
	}
	if f.calls <= f.failFirst {
		if f.failErr != nil {
			return "", f.failErr
		}
		return "", model.Transient(model.KindTranslationFailed, errors.New("boom"), "fake outage")
	}

	var out []string
	for k, line := range strings.Split(req.Text, "\n") {
		if f.dropMarkers[k] {
			continue
		}
		i := strings.Index(line, "] ")
		if i < 0 {
			return "", errors.New("malformed marker line: " + line)
		}
		out = append(out, line[:i+2]+strings.ToUpper(line[i+2:]))
	}
	return strings.Join(out, "\n"), nil
}

func newFastTranslator(reg *Registry, cache *Cache, retries int) *Translator {
	tr := New(reg, cache, retries)
	tr.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return tr
}

func segs(texts ...string) []model.Segment {
	out := make([]model.Segment, len(texts))
	for i, t := range texts {
		out[i] = model.Segment{Start: float64(i), End: float64(i + 1), Text: t}
	}
	return out
}

func TestBuildBlocksPacks(t *testing.T) {
	blocks := buildBlocks([]string{"one", "two", "three"})
	require.Len(t, blocks, 1)
	assert.Equal(t, []int{0, 1, 2}, blocks[0].Indices)

	// Oversized inputs split into multiple blocks.
	big := strings.Repeat("x", 3000)
	blocks = buildBlocks([]string{big, big, "small"})
	require.Len(t, blocks, 3)
	assert.Equal(t, []int{0}, blocks[0].Indices)
	assert.Equal(t, []int{1}, blocks[1].Indices)
	assert.Equal(t, []int{2}, blocks[2].Indices)

	for _, b := range blocks {
		assert.LessOrEqual(t, len(b.encode()), maxBlockChars)
	}
}

func TestBlockEncodeDecode(t *testing.T) {
	b := Block{Indices: []int{0, 1}, Texts: []string{"hello", "world"}}
	enc := b.encode()
	assert.Equal(t, "[SEG0] hello\n[SEG1] world", enc)

	decoded := b.decode("[SEG0] bonjour\n[SEG1] monde")
	assert.Equal(t, map[int]string{0: "bonjour", 1: "monde"}, decoded)

	// Reflowed responses still parse: split on markers, not newlines.
	decoded = b.decode("[SEG0] bonjour [SEG1] monde")
	assert.Equal(t, map[int]string{0: "bonjour", 1: "monde"}, decoded)

	// Out-of-range and empty markers are ignored.
	decoded = b.decode("[SEG0] ok\n[SEG7] stray\n[SEG1]")
	assert.Equal(t, map[int]string{0: "ok"}, decoded)
}

func TestTranslateSegments(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeProvider{name: "primary"}, 0)
	tr := newFastTranslator(reg, nil, 0)

	out, err := tr.TranslateSegments(context.Background(), segs("hello", "world"), "en", "pt", "mini")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "HELLO", out[0].Text)
	assert.Equal(t, "hello", out[0].OriginalText)
	assert.Equal(t, "WORLD", out[1].Text)
	// Timings are untouched.
	assert.Equal(t, 1.0, out[1].Start)
}

func TestTranslateFallsBackOnDroppedMarker(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeProvider{name: "lossy", dropMarkers: map[int]bool{1: true}}, 0)
	tr := newFastTranslator(reg, nil, 0)

	out, err := tr.TranslateSegments(context.Background(), segs("hello", "world", "again"), "en", "pt", "mini")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out[0].Text)
	assert.Equal(t, "world", out[1].Text) // original preserved
	assert.Equal(t, "AGAIN", out[2].Text)
}

func TestTranslateRetriesTransient(t *testing.T) {
	p := &fakeProvider{name: "flaky", failFirst: 2}
	reg := NewRegistry()
	reg.Register(p, 0)
	// Advance past the saturation backoff on every call so the retry loop,
	// not the registry, is what this test exercises.
	cur := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { cur = cur.Add(saturationBackoff + time.Minute); return cur }
	tr := newFastTranslator(reg, nil, 3)

	out, err := tr.TranslateSegments(context.Background(), segs("hello"), "en", "pt", "mini")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out[0].Text)
	assert.Equal(t, 3, p.calls)
}

func TestTranslateGivesUpAfterRetries(t *testing.T) {
	p := &fakeProvider{name: "dead", failFirst: 100}
	reg := NewRegistry()
	reg.Register(p, 0)
	cur := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { cur = cur.Add(saturationBackoff + time.Minute); return cur }
	tr := newFastTranslator(reg, nil, 2)

	_, err := tr.TranslateSegments(context.Background(), segs("hello"), "en", "pt", "mini")
	require.Error(t, err)
	assert.Equal(t, model.KindTranslationFailed, model.KindOf(err))
	assert.Equal(t, 3, p.calls)
}

func TestTranslateFailedBlockKeepsOriginals(t *testing.T) {
	// The first segment is big enough to get its own block and trips the
	// provider; the second block still translates. The batch succeeds with
	// the failed block's segments falling back to their original text.
	p := &fakeProvider{name: "picky", failMatch: "poison"}
	reg := NewRegistry()
	reg.Register(p, 0)
	cur := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { cur = cur.Add(saturationBackoff + time.Minute); return cur }
	tr := newFastTranslator(reg, nil, 0)

	big := strings.TrimSpace(strings.Repeat("poison ", 600))
	out, err := tr.TranslateSegments(context.Background(), segs(big, "hello"), "en", "pt", "mini")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, big, out[0].Text)
	assert.Equal(t, big, out[0].OriginalText)
	assert.Equal(t, "HELLO", out[1].Text)
}

func TestRegistryFailover(t *testing.T) {
	primary := &fakeProvider{name: "primary", failFirst: 100}
	secondary := &fakeProvider{name: "secondary"}
	reg := NewRegistry()
	reg.Register(primary, 0)
	reg.Register(secondary, 0)

	out, err := reg.Do(context.Background(), Request{Text: "[SEG0] hi"})
	require.NoError(t, err)
	assert.Equal(t, "[SEG0] HI", out)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)

	// Primary is now saturated; the next call skips it entirely.
	_, err = reg.Do(context.Background(), Request{Text: "[SEG0] hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 2, secondary.calls)
}

func TestRegistryHourlyBudget(t *testing.T) {
	limited := &fakeProvider{name: "limited"}
	fallback := &fakeProvider{name: "fallback"}
	reg := NewRegistry()
	reg.Register(limited, 15)
	reg.Register(fallback, 0)

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	req := Request{Text: "[SEG0] abc"} // 10 chars
	_, err := reg.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, limited.calls)

	// Budget exhausted: routed to the fallback.
	_, err = reg.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, limited.calls)
	assert.Equal(t, 1, fallback.calls)

	// Next hour the budget resets.
	now = now.Add(time.Hour + time.Minute)
	_, err = reg.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, limited.calls)
}

func TestRegistryAllSaturated(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeProvider{name: "limited"}, 5)

	_, err := reg.Do(context.Background(), Request{Text: "[SEG0] too long for budget"})
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

func TestTranslateUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client)

	p := &fakeProvider{name: "primary"}
	reg := NewRegistry()
	reg.Register(p, 0)
	tr := newFastTranslator(reg, cache, 0)
	ctx := context.Background()

	_, err := tr.TranslateSegments(ctx, segs("hello", "world"), "en", "pt", "mini")
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)

	// Second run is served from the cache.
	out, err := tr.TranslateSegments(ctx, segs("hello", "world"), "en", "pt", "mini")
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, "HELLO", out[0].Text)

	// Different target language misses.
	_, err = tr.TranslateSegments(ctx, segs("hello", "world"), "en", "de", "mini")
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestHTTPProviderTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/translate", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mini", req.Model)
		assert.Equal(t, "pt", req.TargetLang)

		_ = json.NewEncoder(w).Encode(wireReply{Text: strings.ToUpper(req.Text)})
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL, "sekrit")
	out, err := p.Translate(context.Background(), Request{
		Text: "[SEG0] hello", SourceLang: "en", TargetLang: "pt", Model: "mini",
	})
	require.NoError(t, err)
	assert.Equal(t, "[SEG0] HELLO", out)
}

func TestHTTPProviderErrorClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL, "")

	_, err := p.Translate(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))

	status = http.StatusBadRequest
	_, err = p.Translate(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.False(t, model.IsTransient(err))
}

// SPDX-License-Identifier: MIT

package translate

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxsub/voxsub/internal/log"
	"github.com/voxsub/voxsub/internal/model"
)

const (
	// paceInterval spaces provider calls out; burst providers throttle hard
	// when hammered back-to-back.
	paceInterval = 300 * time.Millisecond

	retryBase = 500 * time.Millisecond
)

// Translator is the segment-level facade over the provider registry.
type Translator struct {
	registry   *Registry
	cache      *Cache
	pace       *rate.Limiter
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds the translator. cache may be nil to disable memoization.
func New(registry *Registry, cache *Cache, maxRetries int) *Translator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Translator{
		registry:   registry,
		cache:      cache,
		pace:       rate.NewLimiter(rate.Every(paceInterval), 1),
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
}

// TranslateSegments translates segment texts from sourceLang to targetLang.
// Every returned segment keeps its original text in OriginalText. A segment
// whose translation cannot be recovered, because the provider dropped its
// marker or its whole block failed after retries, falls back to the original
// text rather than failing the batch. An error is returned only when every
// block failed, meaning no provider produced anything at all.
func (t *Translator) TranslateSegments(ctx context.Context, segs []model.Segment, sourceLang, targetLang, modelName string) ([]model.Segment, error) {
	logger := log.WithComponent("translate")

	out := make([]model.Segment, len(segs))
	copy(out, segs)
	for i := range out {
		out[i].OriginalText = out[i].Text
	}

	// Resolve what we can from the cache first.
	var pendingIdx []int
	var pendingTexts []string
	for i := range out {
		if cached, ok := t.cache.get(ctx, out[i].Text, sourceLang, targetLang, modelName); ok {
			out[i].Text = cached
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingTexts = append(pendingTexts, out[i].Text)
	}
	if len(pendingIdx) == 0 {
		return out, nil
	}

	blocks := buildBlocks(pendingTexts)
	logger.Info().
		Int("segments", len(segs)).
		Int("cached", len(segs)-len(pendingIdx)).
		Int("blocks", len(blocks)).
		Str("target", targetLang).
		Msg("translating")

	fallbacks := 0
	failedBlocks := 0
	var lastErr error
	for _, block := range blocks {
		if err := t.pace.Wait(ctx); err != nil {
			return nil, model.Wrap(model.KindCancelled, err, "translation interrupted")
		}

		req := Request{
			Text:       block.encode(),
			SourceLang: sourceLang,
			TargetLang: targetLang,
			Model:      modelName,
		}
		resp, err := t.doWithRetry(ctx, req)
		if err != nil {
			if model.KindOf(err) == model.KindCancelled {
				return nil, err
			}
			// One dead block does not fail the batch: its segments keep
			// their original text and the remaining blocks still run.
			failedBlocks++
			lastErr = err
			fallbacks += len(block.Indices)
			logger.Warn().Err(err).
				Int("segments", len(block.Indices)).
				Msg("block translation failed, kept original text")
			continue
		}

		decoded := block.decode(resp)
		for k, localIdx := range block.Indices {
			i := pendingIdx[localIdx]
			translated, ok := decoded[k]
			if !ok {
				// Marker lost in the provider response; keep the original.
				fallbacks++
				continue
			}
			out[i].Text = translated
			t.cache.put(ctx, out[i].OriginalText, sourceLang, targetLang, modelName, translated)
		}
	}

	if failedBlocks == len(blocks) {
		// Nothing translated at all: the providers are genuinely down.
		return nil, lastErr
	}
	if fallbacks > 0 {
		logger.Warn().
			Int("segments", fallbacks).
			Msg("kept original text for untranslated segments")
	}
	return out, nil
}

func (t *Translator) doWithRetry(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, retryBase<<(attempt-1)); err != nil {
				return "", model.Wrap(model.KindCancelled, err, "translation interrupted")
			}
		}

		resp, err := t.registry.Do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !model.IsTransient(err) {
			break
		}
	}
	return "", model.Wrap(model.KindTranslationFailed, lastErr, "translation failed after retries")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

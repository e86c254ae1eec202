// SPDX-License-Identifier: MIT

package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/voxsub/voxsub/internal/model"
)

// HTTPProvider calls a JSON translation endpoint:
//
//	POST {url}/translate
//	{"model": "...", "source_lang": "...", "target_lang": "...", "text": "..."}
//	-> {"text": "..."}
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider builds a named provider against baseURL.
func NewHTTPProvider(name, baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type wireRequest struct {
	Model      string `json:"model"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
	Text       string `json:"text"`
}

type wireReply struct {
	Text string `json:"text"`
}

func (p *HTTPProvider) Translate(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(wireRequest{
		Model:      req.Model,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Text:       req.Text,
	})
	if err != nil {
		return "", model.Wrap(model.KindTranslationFailed, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/translate", bytes.NewReader(payload))
	if err != nil {
		return "", model.Wrap(model.KindTranslationFailed, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", model.Transient(model.KindTranslationFailed, err, "provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", model.Transient(model.KindTranslationFailed,
			fmt.Errorf("provider returned %d: %s", resp.StatusCode, body), "provider error")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", model.E(model.KindTranslationFailed,
			"provider rejected request: %d: %s", resp.StatusCode, body)
	}

	var reply wireReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", model.Wrap(model.KindTranslationFailed, err, "decode provider response")
	}
	if reply.Text == "" {
		return "", model.E(model.KindTranslationFailed, "provider returned empty text")
	}
	return reply.Text, nil
}

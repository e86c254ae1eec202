// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/voxsub/voxsub/internal/model"
)

// HTTPDownloader fetches URL submissions over plain HTTP(S). Size limits are
// enforced at submission; the stage timeout bounds the transfer.
type HTTPDownloader struct {
	Client *http.Client
}

func (d *HTTPDownloader) Fetch(ctx context.Context, rawURL, dst string) error {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.Wrap(model.KindBadInput, err, "invalid source url")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return fmt.Errorf("fetch %s: upstream %d", rawURL, resp.StatusCode)
	default:
		return model.E(model.KindIngestFailed, "source url returned %d", resp.StatusCode)
	}

	return writeStream(dst, resp.Body)
}

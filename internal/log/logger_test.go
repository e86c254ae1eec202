// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestConfigureAttachesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "voxsub", Version: "v1.2.3"})
	t.Cleanup(func() { Configure(Config{}) })

	logger := Base()
	logger.Info().Msg("hello")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "voxsub", entry["service"])
	assert.Equal(t, "v1.2.3", entry["version"])
	assert.Equal(t, "hello", entry["message"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	logger := WithComponent("queue")
	logger.Warn().Str("job_id", "abc123def456").Msg("requeued")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "abc123def456", entry["job_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithJobID(ctx, "job-1")
	ctx = ContextWithTenantID(ctx, "tenant-1")

	logger := WithContext(ctx, WithComponent("api"))
	logger.Info().Msg("request")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "tenant-1", entry["tenant_id"])
	assert.Equal(t, "api", entry["component"])
}

func TestWithContextBareContextIsNoop(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	logger := WithContext(context.Background(), WithComponent("api"))
	logger.Info().Msg("request")

	entry := decodeLine(t, &buf)
	_, hasRequestID := entry["request_id"]
	assert.False(t, hasRequestID)
}

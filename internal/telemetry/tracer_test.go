// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Disabled provider shuts down without error.
	assert.NoError(t, p.Shutdown(context.Background()))

	// Spans from the noop provider are safe to use.
	_, span := Tracer("test").Start(context.Background(), "noop-span")
	span.End()
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "voxsub",
		ExporterType: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("POST", "/v1/jobs/upload", "http://localhost/v1/jobs/upload", 201)
	require.Len(t, attrs, 4)
	assert.Equal(t, HTTPMethodKey, string(attrs[0].Key))
	assert.Equal(t, "POST", attrs[0].Value.AsString())
	assert.Equal(t, int64(201), attrs[3].Value.AsInt64())
}

func TestJobAttributes(t *testing.T) {
	attrs := JobAttributes("abc123", "paid", "transcribing")
	require.Len(t, attrs, 3)
	assert.Equal(t, "abc123", attrs[0].Value.AsString())
	assert.Equal(t, "paid", attrs[1].Value.AsString())
	assert.Equal(t, "transcribing", attrs[2].Value.AsString())
}

// SPDX-License-Identifier: MIT

// Package blob stores media and subtitle artifacts in an S3-compatible
// bucket (R2, MinIO, AWS). Keys are namespaced per tenant and object kind:
// {tenant}/{kind}/{hash}{ext}.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/voxsub/voxsub/internal/log"
)

// ObjectKind partitions the key space.
type ObjectKind string

const (
	KindSource  ObjectKind = "source"
	KindAudio   ObjectKind = "audio"
	KindSubSRT  ObjectKind = "subtitles/srt"
	KindSubVTT  ObjectKind = "subtitles/vtt"
	KindSubJSON ObjectKind = "subtitles/json"
)

const (
	metaUploadedAt = "uploaded-at"
	metaAutoDelete = "auto-delete"

	// PresignTTL bounds how long artifact download links stay valid.
	PresignTTL = 24 * time.Hour
)

// Config holds the bucket connection settings.
type Config struct {
	Endpoint  string // empty for AWS proper; set for R2/MinIO
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Store is the S3-backed artifact store.
type Store struct {
	api    s3iface.S3API
	bucket string
}

// New dials the bucket endpoint.
func New(cfg Config) (*Store, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("blob: create session: %w", err)
	}

	logger := log.WithComponent("blob")
	logger.Info().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("blob store ready")

	return &Store{api: s3.New(sess), bucket: cfg.Bucket}, nil
}

// NewWithAPI wires an existing S3 API, used by tests.
func NewWithAPI(api s3iface.S3API, bucket string) *Store {
	return &Store{api: api, bucket: bucket}
}

// Key builds the canonical object key for content. The hash makes re-uploads
// of identical content idempotent per tenant and kind.
func Key(tenantID string, kind ObjectKind, content []byte, ext string) string {
	sum := sha256.Sum256(content)
	return KeyFromHash(tenantID, kind, hex.EncodeToString(sum[:8]), ext)
}

// KeyFromHash builds a key from an already-computed content hash.
func KeyFromHash(tenantID string, kind ObjectKind, hash, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/%s/%s%s", tenantID, kind, hash, ext)
}

// TenantOf extracts the tenant namespace from a key, or "" for a malformed key.
func TenantOf(key string) string {
	i := strings.IndexByte(key, '/')
	if i <= 0 {
		return ""
	}
	return key[:i]
}

// Put uploads an object with upload-time metadata. autoDelete marks the
// object as eligible for TTL sweeping.
func (s *Store) Put(ctx context.Context, key string, body io.ReadSeeker, contentType string, autoDelete bool) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata: map[string]*string{
			metaUploadedAt: aws.String(time.Now().UTC().Format(time.RFC3339)),
			metaAutoDelete: aws.String(fmt.Sprintf("%t", autoDelete)),
		},
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

// GetStream opens the object for reading. The caller closes the stream.
func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	return out.Body, nil
}

// PresignGet returns a time-limited download URL for the object.
func (s *Store) PresignGet(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > PresignTTL {
		ttl = PresignTTL
	}
	req, _ := s.api.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("blob: presign %s: %w", key, err)
	}
	return url, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

// Object is a listed blob with its age-relevant metadata.
type Object struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ListOlderThan walks the bucket (optionally under prefix) and returns
// objects last modified before the cutoff.
func (s *Store) ListOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]Object, error) {
	var out []Object
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	err := s.api.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				if obj.Key == nil || obj.LastModified == nil {
					continue
				}
				if obj.LastModified.Before(cutoff) {
					out = append(out, Object{
						Key:          *obj.Key,
						LastModified: *obj.LastModified,
						Size:         aws.Int64Value(obj.Size),
					})
				}
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("blob: list older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return out, nil
}

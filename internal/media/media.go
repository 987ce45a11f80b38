// Package media stores downloaded voice note audio and album cover assets in
// S3-compatible object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Category partitions uploads into per-purpose buckets, each with its own
// size and content-type policy.
type Category string

const (
	CategoryVoiceNote  Category = "voice-notes"
	CategoryAlbumCover Category = "album-covers"

	// Inbound webhook media other than voice notes, kept for support review.
	CategoryWebhookAudio    Category = "webhook-audio"
	CategoryWebhookVideo    Category = "webhook-video"
	CategoryWebhookImage    Category = "webhook-image"
	CategoryWebhookDocument Category = "webhook-documents"
)

// policy bounds what a bucket accepts. Uploads outside the policy are
// rejected before any bytes reach the object store.
type policy struct {
	maxBytes     int64
	mimePrefixes []string
}

var policies = map[Category]policy{
	// WhatsApp caps voice notes at 16 MB; audio/ogg with opus is the common
	// case but plain mp4 audio arrives from some clients.
	CategoryVoiceNote:  {maxBytes: 16 << 20, mimePrefixes: []string{"audio/"}},
	CategoryAlbumCover: {maxBytes: 5 << 20, mimePrefixes: []string{"image/"}},

	CategoryWebhookAudio:    {maxBytes: 16 << 20, mimePrefixes: []string{"audio/"}},
	CategoryWebhookVideo:    {maxBytes: 64 << 20, mimePrefixes: []string{"video/"}},
	CategoryWebhookImage:    {maxBytes: 5 << 20, mimePrefixes: []string{"image/"}},
	CategoryWebhookDocument: {maxBytes: 100 << 20, mimePrefixes: []string{"application/pdf", "application/msword", "application/vnd.", "text/"}},
}

// Opts holds configuration options for the media store.
type Opts struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	BucketPrefix string
}

// Option defines a configuration option for the media store.
type Option func(*Opts)

// WithEndpoint sets the object storage endpoint host:port.
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithCredentials sets the access and secret keys.
func WithCredentials(accessKey, secretKey string) Option {
	return func(o *Opts) {
		o.AccessKey = accessKey
		o.SecretKey = secretKey
	}
}

// WithSSL enables TLS to the object storage endpoint.
func WithSSL(useSSL bool) Option {
	return func(o *Opts) { o.UseSSL = useSSL }
}

// WithBucketPrefix namespaces bucket names, e.g. per environment.
func WithBucketPrefix(prefix string) Option {
	return func(o *Opts) { o.BucketPrefix = prefix }
}

// Store uploads media to per-category buckets.
type Store interface {
	// Upload stores data under the given object name and returns the stored
	// object's URL. Uploads violating the category policy are rejected.
	Upload(ctx context.Context, category Category, objectName, contentType string, data []byte) (string, error)

	// EnsureBuckets creates any missing category buckets. Safe to call on
	// every startup.
	EnsureBuckets(ctx context.Context) error
}

// MinioStore is the minio-backed Store implementation.
type MinioStore struct {
	client *minio.Client
	opts   Opts
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore creates a media store against an S3-compatible endpoint.
func NewMinioStore(opts ...Option) (*MinioStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("media store endpoint not set")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		slog.Error("Failed to create object storage client", "error", err, "endpoint", cfg.Endpoint)
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &MinioStore{client: client, opts: cfg}, nil
}

func (s *MinioStore) bucketName(category Category) string {
	if s.opts.BucketPrefix == "" {
		return string(category)
	}
	return s.opts.BucketPrefix + "-" + string(category)
}

// EnsureBuckets creates any missing category buckets.
func (s *MinioStore) EnsureBuckets(ctx context.Context) error {
	for category := range policies {
		bucket := s.bucketName(category)
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			// A concurrent instance may have created it between the check
			// and the make.
			if again, checkErr := s.client.BucketExists(ctx, bucket); checkErr == nil && again {
				continue
			}
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		slog.Info("Created media bucket", "bucket", bucket)
	}
	return nil
}

// Upload stores data under the given object name and returns its URL.
func (s *MinioStore) Upload(ctx context.Context, category Category, objectName, contentType string, data []byte) (string, error) {
	if err := CheckPolicy(category, contentType, int64(len(data))); err != nil {
		return "", err
	}
	bucket := s.bucketName(category)
	_, err := s.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		slog.Error("MinioStore Upload failed", "error", err, "bucket", bucket, "object", objectName)
		return "", fmt.Errorf("failed to upload %s/%s: %w", bucket, objectName, err)
	}
	url := fmt.Sprintf("%s/%s/%s", s.client.EndpointURL(), bucket, objectName)
	slog.Debug("MinioStore Upload succeeded", "bucket", bucket, "object", objectName, "bytes", len(data))
	return url, nil
}

// CategoryForMIME maps an inbound webhook content type to the bucket that
// should hold it. Voice-note audio is routed separately by the caller; this
// covers the remaining media kinds.
func CategoryForMIME(contentType string) (Category, bool) {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return CategoryWebhookAudio, true
	case strings.HasPrefix(contentType, "video/"):
		return CategoryWebhookVideo, true
	case strings.HasPrefix(contentType, "image/"):
		return CategoryWebhookImage, true
	case contentType == "application/pdf",
		strings.HasPrefix(contentType, "application/msword"),
		strings.HasPrefix(contentType, "application/vnd."),
		strings.HasPrefix(contentType, "text/"):
		return CategoryWebhookDocument, true
	}
	return "", false
}

// CheckPolicy validates an upload against the category's size and
// content-type bounds without touching the object store.
func CheckPolicy(category Category, contentType string, sizeBytes int64) error {
	p, ok := policies[category]
	if !ok {
		return fmt.Errorf("unknown media category %q", category)
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("empty upload for category %s", category)
	}
	if sizeBytes > p.maxBytes {
		return fmt.Errorf("upload of %d bytes exceeds %d byte limit for category %s", sizeBytes, p.maxBytes, category)
	}
	for _, prefix := range p.mimePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return nil
		}
	}
	return fmt.Errorf("content type %q not allowed for category %s", contentType, category)
}

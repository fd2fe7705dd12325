// Package gcs provides a screenshot BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
	// PublicURLs returns https://storage.googleapis.com links instead of gs:// URIs.
	PublicURLs bool `mapstructure:"public_urls"`
	// CacheControl is set on uploaded objects when non-empty.
	CacheControl string `mapstructure:"cache_control"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store from an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &BlobStore{client: client, cfg: cfg}, nil
}

// Verify fails fast when the bucket is missing or not accessible.
func (s *BlobStore) Verify(ctx context.Context) error {
	if _, err := s.client.Bucket(s.cfg.Bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("get bucket %q attributes: %w", s.cfg.Bucket, err)
	}
	return nil
}

// PutObject uploads data to the configured bucket and returns its URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	name, err := s.objectName(path)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if s.cfg.CacheControl != "" {
		writer.CacheControl = s.cfg.CacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.uri(name), nil
}

func (s *BlobStore) objectName(path string) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if s.cfg.Prefix == "" {
		return path, nil
	}
	return s.cfg.Prefix + "/" + path, nil
}

func (s *BlobStore) uri(name string) string {
	if s.cfg.PublicURLs {
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.cfg.Bucket, name)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name)
}

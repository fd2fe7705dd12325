// Package local writes screenshots under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config locates the screenshot directory.
type Config struct {
	BaseDir string
	// PublicBaseURL replaces file:// URIs when BaseDir is served over HTTP.
	PublicBaseURL string
}

// BlobStore implements monitor.BlobStore on the local filesystem.
type BlobStore struct {
	root      string
	publicURL string
}

// New creates BaseDir if needed and checks that it accepts writes.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("local blob store: base dir is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("local blob store: prepare %s: %w", root, err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("local blob store: %s not writable: %w", root, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &BlobStore{
		root:      root,
		publicURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// PutObject stores data at path relative to BaseDir. The write goes through a
// temp file and a rename, so a reader sees either the old file or the new one.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	target, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("local blob store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("local blob store: temp file: %w", err)
	}
	_, copyErr := io.Copy(tmp, data)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("local blob store: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("local blob store: publish %s: %w", path, err)
	}
	return s.uri(target), nil
}

// resolve maps path into the store root and refuses anything that escapes it.
func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("local blob store: path is required")
	}
	target := filepath.Join(s.root, path)
	rel, err := filepath.Rel(s.root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("local blob store: path %q escapes base dir", path)
	}
	return target, nil
}

func (s *BlobStore) uri(target string) string {
	if s.publicURL == "" {
		return "file://" + target
	}
	rel, _ := filepath.Rel(s.root, target)
	return s.publicURL + "/" + filepath.ToSlash(rel)
}

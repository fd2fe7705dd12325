package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Capturer renders a page and stores the image, returning a resolvable ref.
type Capturer struct {
	renderer monitor.Renderer
	blobs    monitor.BlobStore
	prefix   string
}

// NewCapturer pairs a renderer with the blob store screenshots are written to.
func NewCapturer(renderer monitor.Renderer, blobs monitor.BlobStore) *Capturer {
	return &Capturer{renderer: renderer, blobs: blobs, prefix: "screenshots"}
}

// Capture screenshots url and uploads it under
// screenshots/<siteID>/<takenAt>.<ext>. Every failure wraps monitor.ErrRender.
func (c *Capturer) Capture(ctx context.Context, siteID, url string, takenAt time.Time) (string, error) {
	img, err := c.renderer.Screenshot(ctx, url)
	if err != nil {
		return "", fmt.Errorf("%w: %w", monitor.ErrRender, err)
	}
	contentType := http.DetectContentType(img)
	ext := "png"
	if contentType == "image/jpeg" {
		ext = "jpg"
	}
	path := fmt.Sprintf("%s/%s/%s.%s", c.prefix, siteID, takenAt.UTC().Format("20060102T150405.000000000Z"), ext)
	ref, err := c.blobs.PutObject(ctx, path, contentType, bytes.NewReader(img))
	if err != nil {
		return "", fmt.Errorf("%w: store screenshot: %w", monitor.ErrRender, err)
	}
	return ref, nil
}

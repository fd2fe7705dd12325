// Package headless renders pages in headless Chrome for screenshot capture.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Defaults used when the matching Config field is zero.
const (
	DefaultNavigationTimeout = 45 * time.Second
	DefaultViewportWidth     = 1920
	DefaultViewportHeight    = 1080
	DefaultQuality           = 90
	DefaultSettle            = 500 * time.Millisecond
)

// Config tunes the browser. MaxParallel 0 means no cap on open tabs.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int64
	ViewportHeight    int64
	// Settle is the pause between body-ready and capture, for late layout.
	Settle  time.Duration
	Quality int
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = DefaultQuality
	}
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	return c
}

// Renderer implements monitor.Renderer with one shared Chrome process and a
// fresh tab per screenshot.
type Renderer struct {
	cfg   Config
	slots *semaphore.Weighted // nil when unbounded

	browser     context.Context
	stopBrowser context.CancelFunc
}

// NewChromedp prepares the browser allocator. Chrome itself starts lazily on
// the first Screenshot.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	cfg = cfg.withDefaults()

	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	browser, stop := chromedp.NewExecAllocator(context.Background(), flags...)

	r := &Renderer{cfg: cfg, browser: browser, stopBrowser: stop}
	if cfg.MaxParallel > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return r, nil
}

// Close shuts Chrome down.
func (r *Renderer) Close() {
	if r.stopBrowser != nil {
		r.stopBrowser()
	}
}

// Screenshot loads url and returns a full-page PNG. Every failure wraps
// monitor.ErrRender.
func (r *Renderer) Screenshot(ctx context.Context, url string) ([]byte, error) {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: wait for browser tab: %w", monitor.ErrRender, err)
		}
		defer r.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, r.cfg.NavigationTimeout)
	defer cancel()
	// The tab descends from the browser, not ctx; tie them together.
	defer context.AfterFunc(ctx, cancel)()

	var png []byte
	if err := chromedp.Run(tab, r.captureTasks(url, &png)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", monitor.ErrRender, url, err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("%w: %s: empty screenshot", monitor.ErrRender, url)
	}
	return png, nil
}

func (r *Renderer) captureTasks(url string, png *[]byte) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.ActionFunc(r.prepareTab),
		chromedp.EmulateViewport(r.cfg.ViewportWidth, r.cfg.ViewportHeight),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.FullScreenshot(png, r.cfg.Quality),
	}
}

func (r *Renderer) prepareTab(ctx context.Context) error {
	if err := network.Enable().Do(ctx); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if r.cfg.UserAgent == "" {
		return nil
	}
	if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
		return fmt.Errorf("override user agent: %w", err)
	}
	return nil
}

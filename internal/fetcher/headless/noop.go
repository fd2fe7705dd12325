package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Noop stands in for Chrome when it is disabled or failed to start. Every
// Screenshot fails with monitor.ErrRender.
type Noop struct{}

// NewNoop returns a Noop.
func NewNoop() *Noop { return &Noop{} }

// Screenshot always fails.
func (Noop) Screenshot(_ context.Context, url string) ([]byte, error) {
	return nil, fmt.Errorf("%w: no browser available for %s", monitor.ErrRender, url)
}

// Close does nothing.
func (Noop) Close() {}

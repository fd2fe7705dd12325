// Package memory keeps delivered alerts in process, for development runs and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Notifier stores alerts for inspection.
type Notifier struct {
	mu     sync.RWMutex
	alerts []monitor.Alert
	limit  int
}

// New returns a memory Notifier keeping at most limit alerts (0 keeps all).
// Once full, the oldest alert is discarded.
func New(limit int) *Notifier {
	return &Notifier{limit: limit}
}

// Notify records the alert.
func (n *Notifier) Notify(_ context.Context, alert monitor.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	if n.limit > 0 && len(n.alerts) > n.limit {
		n.alerts = n.alerts[len(n.alerts)-n.limit:]
	}
	return nil
}

// Alerts returns the recorded alerts, oldest first.
func (n *Notifier) Alerts() []monitor.Alert {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]monitor.Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}

// ForSite returns the recorded alerts for one site, oldest first.
func (n *Notifier) ForSite(siteID string) []monitor.Alert {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []monitor.Alert
	for _, a := range n.alerts {
		if a.Site.ID == siteID {
			out = append(out, a)
		}
	}
	return out
}

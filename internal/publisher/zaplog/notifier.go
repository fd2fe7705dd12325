// Package zaplog writes alerts to the structured log.
package zaplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Notifier logs each alert at a level matching its severity.
type Notifier struct {
	logger *zap.Logger
}

// New returns a Notifier writing to logger.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// Notify never fails.
func (n *Notifier) Notify(_ context.Context, alert monitor.Alert) error {
	level := zap.InfoLevel
	switch alert.Severity {
	case monitor.SeverityCritical:
		level = zap.ErrorLevel
	case monitor.SeverityWarning:
		level = zap.WarnLevel
	}
	if ce := n.logger.Check(level, alert.Title()); ce != nil {
		ce.Write(
			zap.String("site_id", alert.Site.ID),
			zap.String("url", alert.Site.URL),
			zap.String("kind", string(alert.Report.Kind)),
			zap.String("severity", string(alert.Severity)),
			zap.String("summary", alert.Summary()),
			zap.String("screenshot", alert.ScreenshotRef),
			zap.Int("consecutive_failures", alert.ConsecutiveFailures),
		)
	}
	return nil
}

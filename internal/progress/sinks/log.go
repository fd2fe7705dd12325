package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/sitewatch/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink; a nil logger discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageCheckFailed, progress.StageSlowResponse, progress.StageAlertDropped:
		return zapcore.WarnLevel
	case progress.StageChangeDetected, progress.StageAlertDelivered:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Consume logs the batch. Empty optional fields are left off the line.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		ce := s.logger.Check(levelFor(evt.Stage), "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("site_id", evt.SiteID),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Attempts > 0 {
			fields = append(fields, zap.Int("attempts", evt.Attempts))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

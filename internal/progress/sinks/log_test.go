package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitewatch/internal/progress"
)

func TestLogSinkLevelsAndFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	batch := []progress.Event{
		{SiteID: "s1", Stage: progress.StageCheckStart, Site: "example.com"},
		{SiteID: "s1", Stage: progress.StageChangeDetected, Site: "example.com", Kind: "content"},
		{SiteID: "s1", Stage: progress.StageAlertDropped, Site: "example.com", Kind: "content", Attempts: 5, Note: "webhook: 503"},
		{SiteID: "s2", Stage: progress.StageCheckFailed, Site: "down.test", Dur: time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "content", entries[0].ContextMap()["kind"])
	require.NotContains(t, entries[0].ContextMap(), "attempts")

	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, int64(5), entries[1].ContextMap()["attempts"])
	require.Equal(t, "webhook: 503", entries[1].ContextMap()["note"])

	require.Equal(t, "s2", entries[2].ContextMap()["site_id"])
	require.Equal(t, time.Second, entries[2].ContextMap()["dur"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestNewLogSinkNilLogger(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{SiteID: "s1", Stage: progress.StageCheckStart}}))
}

// Package pubsub publishes alerts to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/policy/retry"
)

// Publisher implements monitor.Notifier over a Pub/Sub topic. Each alert is
// one JSON message; routing attributes let subscribers filter without
// decoding the body.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic. Messages for the same site
// share an ordering key when the topic has message ordering enabled.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Notify marshals the alert and waits for the server to acknowledge it.
func (p *Publisher) Notify(ctx context.Context, alert monitor.Alert) error {
	if p.topic == nil {
		return retry.Permanent(fmt.Errorf("pubsub topic is not configured"))
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal alert: %w", err))
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"site_id":  alert.Site.ID,
			"url":      alert.Site.URL,
			"kind":     string(alert.Report.Kind),
			"severity": string(alert.Severity),
		},
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = alert.Site.ID
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("%w: publish message: %w", monitor.ErrDeliveryFailure, err)
	}
	return nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

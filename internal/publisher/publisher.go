// Package publisher pushes live-status updates to an MQTT broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Broadcaster encodes broadcast payloads as JSON and publishes each one to
// {prefix}/{kind}, with kind lower-cased.
type Broadcaster struct {
	pub    Publisher
	prefix string
}

// NewBroadcaster creates a Broadcaster publishing through pub.
func NewBroadcaster(pub Publisher, prefix string) *Broadcaster {
	return &Broadcaster{pub: pub, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic returns the topic a broadcast of kind is published to.
func (b *Broadcaster) Topic(kind string) string {
	return b.prefix + "/" + strings.ToLower(kind)
}

func (b *Broadcaster) Broadcast(ctx context.Context, kind string, payload map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	topic := b.Topic(kind)
	if err := b.pub.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

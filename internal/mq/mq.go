// Package mq carries upload notifications between the API server and any
// downstream consumers over a pluggable broker.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

// Attribute keys set on every event published through PublishJSON.
const (
	AttrKind        = "kind"
	AttrContentType = "content_type"

	contentTypeJSON = "application/json"
)

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Kind returns the event kind the message was published with.
func (m Message) Kind() string {
	return m.Attributes[AttrKind]
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with JSON event helpers.
type MQ struct {
	backend Backend
}

func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Publish sends raw bytes to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// PublishJSON encodes v and publishes it tagged with kind.
func (m *MQ) PublishJSON(ctx context.Context, channel, kind string, v any, attrs map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", kind, err)
	}
	merged := make(map[string]string, len(attrs)+2)
	for k, val := range attrs {
		merged[k] = val
	}
	merged[AttrKind] = kind
	merged[AttrContentType] = contentTypeJSON
	return m.backend.Publish(ctx, channel, data, merged)
}

// Subscribe consumes every message on the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// SubscribeKind consumes messages of one kind. Other kinds are acknowledged
// and dropped.
func (m *MQ) SubscribeKind(ctx context.Context, channel, kind string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, func(ctx context.Context, msg Message) error {
		if msg.Kind() != kind {
			return nil
		}
		return handler(ctx, msg)
	})
}

// Close closes the underlying backend. A nil MQ is a no-op.
func (m *MQ) Close() error {
	if m == nil {
		return nil
	}
	return m.backend.Close()
}

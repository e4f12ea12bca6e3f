package mq

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// MemoryBackend delivers messages in-process. Subscribers receive messages
// published after they subscribe.
type MemoryBackend struct {
	mu       sync.Mutex
	seq      int
	closed   bool
	channels map[string][]chan Message
	history  map[string][]Message
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		channels: make(map[string][]chan Message),
		history:  make(map[string][]Message),
	}
}

func (b *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errors.New("memory backend closed")
	}
	b.seq++
	msg := Message{ID: strconv.Itoa(b.seq), Data: data, Attributes: attrs}
	b.history[channel] = append(b.history[channel], msg)
	for _, ch := range b.channels[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg.ID, nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	ch := make(chan Message, 64)
	b.mu.Lock()
	b.channels[channel] = append(b.channels[channel], ch)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			_ = handler(ctx, msg)
		}
	}
}

// Published returns the messages published to channel so far.
func (b *MemoryBackend) Published(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.history[channel]...)
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

package events

import "context"

// EventPublisher is the interface for publishing backend health transitions.
type EventPublisher interface {
	PublishHealthChanged(ctx context.Context, event *HealthChangedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishHealthChanged is a no-op.
func (p *NoOpPublisher) PublishHealthChanged(_ context.Context, _ *HealthChangedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function.
type CallbackPublisher struct {
	callback func(ctx context.Context, event *HealthChangedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *HealthChangedEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishHealthChanged calls the callback.
func (p *CallbackPublisher) PublishHealthChanged(ctx context.Context, event *HealthChangedEvent) error {
	return p.callback(ctx, event)
}

// ChannelPublisher forwards events to a buffered channel. When the buffer is
// full the event is dropped rather than blocking the monitor.
type ChannelPublisher struct {
	ch chan *HealthChangedEvent
}

// NewChannelPublisher creates a ChannelPublisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan *HealthChangedEvent, buffer)}
}

// Events returns the receive side of the channel.
func (p *ChannelPublisher) Events() <-chan *HealthChangedEvent {
	return p.ch
}

// PublishHealthChanged enqueues the event without blocking.
func (p *ChannelPublisher) PublishHealthChanged(_ context.Context, event *HealthChangedEvent) error {
	select {
	case p.ch <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

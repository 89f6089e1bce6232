package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/analysis-coordinator/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the global health event subject (e.g. from HEALTH_EVENT_SUBJECT).
	GlobalSubject string
	// CompletedSubject overrides the deferred completion subject.
	CompletedSubject string
}

// CommsPublisher publishes health transitions to COMMS subjects.
type CommsPublisher struct {
	nc               *comms.Conn
	globalSubject    string
	completedSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{
		nc:               nc,
		globalSubject:    commsutil.SubjectHealthChanged,
		completedSubject: commsutil.SubjectDeferredCompleted,
	}
	if opts != nil && opts.GlobalSubject != "" {
		p.globalSubject = opts.GlobalSubject
	}
	if opts != nil && opts.CompletedSubject != "" {
		p.completedSubject = opts.CompletedSubject
	}
	return p
}

// PublishHealthChanged publishes a HealthChangedEvent to both the per-backend
// and global health subjects.
func (p *CommsPublisher) PublishHealthChanged(_ context.Context, event *HealthChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	serviceSubject := commsutil.BuildHealthSubject(event.Service)
	if err := p.nc.Publish(serviceSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, serviceSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published health change for %s: %s -> %s", commsPublisherLogPrefix, event.Service, event.PreviousStatus, event.Status))
	return nil
}

// PublishDeferredCompleted publishes the result of a drained deferred request.
func (p *CommsPublisher) PublishDeferredCompleted(_ context.Context, event *DeferredCompletedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode completion: %w", commsPublisherLogPrefix, err)
	}
	if err := p.nc.Publish(p.completedSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.completedSubject, err))
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published completion for %s (seq=%d)", commsPublisherLogPrefix, event.RequestID, event.Seq))
	return nil
}

package network

import (
	"context"

	"stake-arena/server/logging"
)

const (
	// EventSubscriberAttached is emitted when a websocket subscriber starts receiving room traffic.
	EventSubscriberAttached logging.EventType = "network.subscriber_attached"
	// EventSubscriberDetached is emitted when a websocket subscriber goes away.
	EventSubscriberDetached logging.EventType = "network.subscriber_detached"
	// EventMessageRejected is emitted when a client frame cannot be decoded or is not allowed.
	EventMessageRejected logging.EventType = "network.message_rejected"
)

// SubscriberPayload captures connection metadata.
type SubscriberPayload struct {
	Codec  string `json:"codec"`
	Reason string `json:"reason,omitempty"`
}

// MessageRejectedPayload captures why a client frame was dropped.
type MessageRejectedPayload struct {
	MessageType string `json:"messageType,omitempty"`
	Reason      string `json:"reason"`
}

// SubscriberAttached publishes a debug event when a subscriber connects.
func SubscriberAttached(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SubscriberPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSubscriberAttached,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// SubscriberDetached publishes a debug event when a subscriber disconnects.
func SubscriberDetached(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SubscriberPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSubscriberDetached,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

// MessageRejected publishes a warning event when a frame is rejected.
func MessageRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload MessageRejectedPayload) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventMessageRejected,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	}
	pub.Publish(ctx, event)
}

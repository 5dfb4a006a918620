package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MetaReplyTo is the metadata key carrying the reply topic of a Request.
// Handlers answer a request by publishing to that topic.
const MetaReplyTo = "reply_to"

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `envconfig:"TYPE" validate:"oneof=channel nats"`

	// Channel settings (Community tier)
	ChannelBufferSize int `envconfig:"CHANNEL_BUFFER_SIZE" validate:"gte=0"`

	// NATS settings (Pro tier)
	NATSUrl           string `envconfig:"NATS_URL"`
	NATSToken         string `envconfig:"NATS_TOKEN"`
	NATSMaxReconnects int    `envconfig:"NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `envconfig:"NATS_RECONNECT_WAIT"` // seconds
}

// Topic names used by the engine, the worker and rule administration.
const (
	TopicConsumptionSubmitted = "subsidy.consumption.submitted"
	TopicResult               = "subsidy.result"
	TopicGrant                = "subsidy.grant"
	TopicRuleChanged          = "subsidy.rule.changed"
)

// RuleChangedEvent is published after a successful admin write so other
// nodes refresh their rule snapshot.
type RuleChangedEvent struct {
	NodeID string `json:"nodeId"`
	RuleID int64  `json:"ruleId"`
	Action string `json:"action"`
	At     int64  `json:"at"`
}

package bus

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig, log *slog.Logger) (domain.EventBus, error) {
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize, log), nil

	case "nats":
		return NewNATSBus(cfg, log)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// ReplyTo returns the reply topic of a request message, if any.
func ReplyTo(msg *domain.Message) (string, bool) {
	if msg == nil || msg.Metadata == nil {
		return "", false
	}
	topic, ok := msg.Metadata[domain.MetaReplyTo]
	return topic, ok && topic != ""
}

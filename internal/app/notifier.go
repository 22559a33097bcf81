package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/rabbitmq"
)

const notifyPublishTimeout = 5 * time.Second

// EventNotifier publishes escrow events on a topic exchange, keyed by event type.
// Publishing happens in the background; failures are logged and dropped.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *EventNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = "escrow_events"
	}
	return &EventNotifier{publisher: publisher, exchange: exchange, logger: logger.With("component", "notifier")}
}

func (n *EventNotifier) Notify(ctx context.Context, event domain.EscrowEvent) {
	if n == nil || n.publisher == nil {
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyPublishTimeout)
		defer cancel()
		if err := n.publisher.Publish(pubCtx, n.exchange, string(event.Type), event); err != nil {
			n.logger.Warn("failed to publish escrow event", "type", event.Type, "escrow_id", event.EscrowID, "error", err)
		}
	}()
}

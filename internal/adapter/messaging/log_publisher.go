package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event domain.Event) error {
	p.logger.Info("reservation event",
		zap.String("type", string(event.Type)),
		zap.String("reservation_id", event.ReservationID),
		zap.String("variant_id", event.VariantID),
		zap.String("cart_session_id", event.CartSessionID),
		zap.Int("quantity", event.Quantity),
		zap.Strings("serial_numbers", event.SerialNumbers),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

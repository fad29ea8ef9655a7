package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// LogTransport logs notifications instead of sending them, for development.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, n Notification) error {
	t.logger.Info("delivering notification (development mode)",
		zap.String("channel", n.Channel),
		zap.String("recipient", n.Recipient),
		zap.String("message", n.Message),
	)
	return nil
}

func (t *LogTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelSMS
}

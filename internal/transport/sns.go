package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// SNSTransport sends SMS notifications via AWS SNS.
type SNSTransport struct {
	client *sns.Client
	logger *zap.Logger
}

// SNSConfig holds SNS transport settings.
type SNSConfig struct {
	Region string
}

// NewSNSTransport creates an SMS transport backed by SNS.
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Deliver publishes the notification as an SMS to the recipient number.
func (t *SNSTransport) Deliver(ctx context.Context, n Notification) error {
	if n.Channel != db.ChannelSMS {
		return Terminal(fmt.Errorf("SNS transport only supports SMS, got: %s", n.Channel))
	}
	if n.Recipient == "" {
		return Terminal(fmt.Errorf("sms notification missing recipient"))
	}
	if n.Message == "" {
		return Terminal(fmt.Errorf("sms notification missing message"))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(n.Recipient),
		Message:     aws.String(n.Message),
	}

	result, err := t.client.Publish(ctx, input)
	if err != nil {
		return Transient(fmt.Errorf("sns publish failed: %w", err))
	}

	t.logger.Info("SMS sent via SNS",
		zap.String("phone_number", n.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel reports whether this transport handles the SMS channel.
func (t *SNSTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

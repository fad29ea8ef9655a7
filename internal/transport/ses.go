package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

const emailSubject = "Notification"

// SESTransport sends EMAIL notifications via AWS SES.
type SESTransport struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// SESConfig holds SES transport settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESTransport creates an email transport backed by SES.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}

	return &SESTransport{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Deliver sends the notification as a plain-text email to the recipient.
func (t *SESTransport) Deliver(ctx context.Context, n Notification) error {
	if n.Channel != db.ChannelEmail {
		return Terminal(fmt.Errorf("SES transport only supports EMAIL, got: %s", n.Channel))
	}
	if n.Recipient == "" {
		return Terminal(fmt.Errorf("email notification missing recipient"))
	}
	if n.Message == "" {
		return Terminal(fmt.Errorf("email notification missing message"))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(t.from),
		Destination: &types.Destination{
			ToAddresses: []string{n.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(emailSubject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return Transient(fmt.Errorf("ses send failed: %w", err))
	}

	t.logger.Info("email sent via SES",
		zap.String("to", n.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel reports whether this transport handles the EMAIL channel.
func (t *SESTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}

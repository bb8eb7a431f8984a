package delivery

import (
	"context"
	"fmt"

	"identity-service/internal/config"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/sendgrid/sendgrid-go"
	"github.com/twilio/twilio-go"
	"go.uber.org/zap"
)

const (
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
	ProviderTwilio   = "twilio"
	ProviderLog      = "log"
)

// NewNotifierFromConfig builds the providers named in cfg.Delivery.
func NewNotifierFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Notifier, error) {
	d := cfg.Delivery

	var email EmailSender
	switch d.EmailProvider {
	case ProviderSES:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(d.SESRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config for ses: %w", err)
		}
		email = NewSESSender(ses.NewFromConfig(awsCfg), d.FromEmail)
	case ProviderSendGrid:
		if d.SendGridAPIKey == "" {
			return nil, fmt.Errorf("sendgrid api key is required")
		}
		email = NewSendGridSender(sendgrid.NewSendClient(d.SendGridAPIKey), d.FromEmail, d.FromName)
	case ProviderLog, "":
		email = NewLogSender(logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", d.EmailProvider)
	}

	var sms SMSSender
	switch d.SMSProvider {
	case ProviderTwilio:
		if d.TwilioAccountSID == "" || d.TwilioAuthToken == "" {
			return nil, fmt.Errorf("twilio credentials are required")
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.TwilioAccountSID,
			Password: d.TwilioAuthToken,
		})
		sms = NewTwilioSender(client.Api, d.TwilioFromPhone)
	case ProviderLog, "":
		sms = NewLogSender(logger)
	default:
		return nil, fmt.Errorf("unknown sms provider %q", d.SMSProvider)
	}

	if cfg.IsProduction() && (d.EmailProvider == ProviderLog || d.SMSProvider == ProviderLog) {
		logger.Warn("Log delivery provider in production, messages will not be sent",
			zap.String("email_provider", d.EmailProvider),
			zap.String("sms_provider", d.SMSProvider),
		)
	}

	logger.Info("Delivery providers configured",
		zap.String("email_provider", d.EmailProvider),
		zap.String("sms_provider", d.SMSProvider),
	)
	return NewNotifier(email, sms, d, logger), nil
}

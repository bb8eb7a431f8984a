package delivery

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/util"

	"go.uber.org/zap"
)

const defaultAppName = "Identity"

// Notifier routes OTP and welcome messages to the email or SMS provider by contact type.
type Notifier struct {
	email   EmailSender
	sms     SMSSender
	appName string
	timeout time.Duration
	logger  *zap.Logger
}

func NewNotifier(email EmailSender, sms SMSSender, cfg config.DeliveryConfig, logger *zap.Logger) *Notifier {
	appName := cfg.FromName
	if appName == "" {
		appName = defaultAppName
	}
	return &Notifier{
		email:   email,
		sms:     sms,
		appName: appName,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// SendOTP delivers a verification code. The code is never logged.
func (n *Notifier) SendOTP(ctx context.Context, contactType, to, code string, ttl time.Duration) error {
	minutes := int(ttl.Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	switch contactType {
	case util.ContactTypeEmail:
		return n.sendEmail(ctx, EmailMessage{
			To:      to,
			Subject: fmt.Sprintf("Your %s verification code", n.appName),
			Text:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes),
			HTML: fmt.Sprintf("<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p>",
				code, minutes),
		})
	case util.ContactTypePhone:
		return n.sendSMS(ctx, to, fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes.", n.appName, code, minutes))
	default:
		return fmt.Errorf("%w: unsupported contact type %q", ErrSendFailed, contactType)
	}
}

func (n *Notifier) SendWelcome(ctx context.Context, contactType, to string) error {
	switch contactType {
	case util.ContactTypeEmail:
		return n.sendEmail(ctx, EmailMessage{
			To:      to,
			Subject: fmt.Sprintf("Welcome to %s", n.appName),
			Text:    fmt.Sprintf("Your %s account is ready.", n.appName),
			HTML:    fmt.Sprintf("<p>Your %s account is ready.</p>", n.appName),
		})
	case util.ContactTypePhone:
		return n.sendSMS(ctx, to, fmt.Sprintf("Welcome to %s. Your account is ready.", n.appName))
	default:
		return fmt.Errorf("%w: unsupported contact type %q", ErrSendFailed, contactType)
	}
}

func (n *Notifier) sendEmail(ctx context.Context, msg EmailMessage) error {
	if n.email == nil {
		return fmt.Errorf("%w: no email provider", ErrSendFailed)
	}
	ctx, cancel := n.bounded(ctx)
	defer cancel()

	if err := n.email.SendEmail(ctx, msg); err != nil {
		n.logger.Warn("Email delivery failed",
			zap.String("to", hashing.Redact(msg.To)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (n *Notifier) sendSMS(ctx context.Context, to, body string) error {
	if n.sms == nil {
		return fmt.Errorf("%w: no sms provider", ErrSendFailed)
	}
	ctx, cancel := n.bounded(ctx)
	defer cancel()

	if err := n.sms.SendSMS(ctx, to, body); err != nil {
		n.logger.Warn("SMS delivery failed",
			zap.String("to", hashing.Redact(to)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (n *Notifier) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.timeout)
}

// LogSender stands in for real providers in development. It records that a
// message went out without its body.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) SendEmail(ctx context.Context, msg EmailMessage) error {
	l.logger.Info("Email suppressed by log provider",
		zap.String("to", hashing.Redact(msg.To)),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (l *LogSender) SendSMS(ctx context.Context, to, body string) error {
	l.logger.Info("SMS suppressed by log provider",
		zap.String("to", hashing.Redact(to)),
		zap.Int("length", len(body)),
	)
	return nil
}

package email

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/rs/zerolog/log"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender sends transactional emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email to send.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// SendGridSender sends emails via the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
}

// NewSendGridSender creates a SendGrid email sender.
func NewSendGridSender(apiKey string) *SendGridSender {
	return &SendGridSender{client: sendgrid.NewSendClient(apiKey)}
}

// Send sends an email via SendGrid.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	from, err := parseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("sender address: %w", err)
	}
	to, err := parseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("recipient address: %w", err)
	}

	message := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)
	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid error (HTTP %d): %s", resp.StatusCode, truncate(resp.Body, 512))
	}
	return nil
}

func parseAddress(addr string) (*sgmail.Email, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return sgmail.NewEmail(parsed.Name, parsed.Address), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// LogSender logs emails instead of sending them. Used as fallback when no email provider is configured.
type LogSender struct {
	logFn func(to, subject, body string)
}

// NewLogSender creates a sender that logs emails. A nil logFn logs through zerolog.
func NewLogSender(logFn func(to, subject, body string)) *LogSender {
	if logFn == nil {
		logFn = func(to, subject, _ string) {
			log.Info().Str("to", to).Str("subject", subject).Msg("Email not sent (no provider configured)")
		}
	}
	return &LogSender{logFn: logFn}
}

// Send logs the email instead of sending it.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	l.logFn(msg.To, msg.Subject, msg.Text)
	return nil
}

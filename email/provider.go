// Package email handles sending notification emails via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"torweather/pkg/weather"
)

// ErrNoRecipients indicates a send was attempted with an empty recipient set.
var ErrNoRecipients = errors.New("email: no recipients")

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends a plain-text email with the given parameters.
	Send(ctx context.Context, to, subject, body string) error
}

// Sender renders and sends relay notifications using a pluggable provider.
// The From header is the provider's concern; each provider carries its own
// sender address.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendNotif renders the notification for kind against a fresh relay snapshot
// and sends it to every recipient on the subscription. Delivery is
// all-or-nothing: any transport failure fails the whole call so the caller
// leaves the notification pending and retries on the next pass.
func (s *Sender) SendNotif(ctx context.Context, kind weather.Notif, relay *weather.RelayData, sub *weather.Subscription) error {
	if len(sub.Emails) == 0 {
		return ErrNoRecipients
	}
	state, ok := sub.Notifs[kind]
	if !ok {
		return fmt.Errorf("email: %s not subscribed for %s", kind, sub.Fingerprint)
	}

	subject, body, err := weather.Render(kind, relay, state, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, to := range sub.Emails {
		if err := s.provider.Send(ctx, to, subject, body); err != nil {
			s.logger.Error("Notification send failed",
				"kind", kind,
				"to", to,
				"nickname", relay.Nickname,
				"fingerprint", sub.Fingerprint,
				"error", err)
			return fmt.Errorf("send %s to %s: %w", kind, to, err)
		}
		s.logger.Info("Notification sent",
			"kind", kind,
			"to", to,
			"nickname", relay.Nickname,
			"fingerprint", sub.Fingerprint)
	}
	return nil
}

// sanitizeHeader removes newlines and control characters to prevent header
// injection: RFC 5322 headers are newline-delimited, so any newline in a
// header value allows an attacker to inject arbitrary headers or body content.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMessage assembles a plain-text RFC 5322 message.
func buildMessage(from, to, subject, body string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		msg.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeHeader(from)))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(subject)))
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)
	return msg.String()
}

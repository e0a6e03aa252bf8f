package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// SMTPProvider sends emails over SMTP with implicit TLS (port 465 style).
type SMTPProvider struct {
	host     string
	port     string
	username string
	password string
	fromAddr string
	logger   *slog.Logger
	timeout  time.Duration
}

// NewSMTPProvider creates a new SMTP email provider.
func NewSMTPProvider(host, port, username, password, fromAddr string, logger *slog.Logger) *SMTPProvider {
	return &SMTPProvider{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromAddr: fromAddr,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// Send sends an email over SMTP.
func (p *SMTPProvider) Send(ctx context.Context, to, subject, body string) error {
	msg := buildMessage(p.fromAddr, to, subject, body)

	return retry.Do(
		func() error {
			p.logger.Info("SMTP send starting", "host", p.host, "to", to, "subject", subject)

			startTime := time.Now()
			err := p.deliver(to, msg)
			duration := time.Since(startTime)

			if err != nil {
				p.logger.Warn("SMTP send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			p.logger.Info("SMTP send completed",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SMTP send after error", "attempt", n, "error", err)
		}),
	)
}

func (p *SMTPProvider) deliver(to, msg string) error {
	addr := net.JoinHostPort(p.host, p.port)
	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: p.host})
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() {
		if quitErr := client.Quit(); quitErr != nil {
			p.logger.Warn("SMTP quit failed", "error", quitErr)
		}
	}()

	auth := smtp.PlainAuth("", p.username, p.password, p.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(p.fromAddr); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return nil
}

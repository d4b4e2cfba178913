package senders

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/regwatch/regwatch/app/subscription"
)

// EmailSender delivers notifications over SMTP. Auth is optional; when the
// channel config carries no username the handshake is unauthenticated.
type EmailSender struct {
	send smtpSendFunc
}

// smtpSendFunc matches smtp.SendMail, swapped out in tests.
type smtpSendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

func NewEmailSender() *EmailSender {
	return &EmailSender{send: smtp.SendMail}
}

func (s *EmailSender) Type() subscription.ChannelType {
	return subscription.ChannelTypeEmail
}

func (s *EmailSender) Send(ctx context.Context, payload Payload, channel subscription.Channel) error {
	cfg := channel.Config.Email
	if cfg == nil || len(cfg.To) == 0 || cfg.SMTPHost == "" {
		return permanentErr("email", fmt.Errorf("incomplete email config"))
	}
	if err := ctx.Err(); err != nil {
		return retryableErr("email", err)
	}

	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, port)

	from := cfg.From
	if from == "" {
		from = "regwatch@" + cfg.SMTPHost
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}

	msg := buildEmailMessage(from, cfg.To, payload)

	if err := s.send(addr, auth, from, cfg.To, msg); err != nil {
		return retryableErr("email", fmt.Errorf("smtp send: %w", err))
	}
	return nil
}

func buildEmailMessage(from string, to []string, payload Payload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", payload.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(payload.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

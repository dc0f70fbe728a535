package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	fromAddr string // Optional; Gmail uses the authenticated account when empty
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, fromAddr string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		logger:   logger,
		fromAddr: fromAddr,
	}
}

// sanitizeEmailHeader removes CR, LF, and other control characters so a
// value cannot start a new header line.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMessage renders an RFC 5322 message. Subjects carry game titles, so
// they are Q-encoded.
func buildMessage(from, to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		msg.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeEmailHeader(from)))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMessage(g.fromAddr, to, subject, htmlBody)))

	return sendWithRetry(ctx, g.logger, "gmail", func() error {
		g.logger.Info("Gmail API request starting",
			"method", "POST",
			"endpoint", "users.messages.send",
			"to", to)

		startTime := time.Now()
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{
			Raw: encoded,
		}).Context(ctx).Do()
		duration := time.Since(startTime)

		if err != nil {
			g.logger.Warn("Gmail API send failed, will retry",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			return err
		}

		g.logger.Info("Gmail API request completed",
			"endpoint", "users.messages.send",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"status", "success")
		return nil
	})
}

package handler

import (
	"context"
	"log/slog"
	"time"
)

// Notifier delivers out-of-band secrets. Mail delivery lives outside this
// service; the handler only hands the raw values over.
type Notifier interface {
	SendEmailConfirmation(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
}

// LogNotifier records deliveries in the log. Raw tokens are included only
// when IncludeTokens is set, which is meant for local development.
type LogNotifier struct {
	Logger        *slog.Logger
	IncludeTokens bool
}

func (n LogNotifier) SendEmailConfirmation(ctx context.Context, email, token string) error {
	n.log(ctx, "email confirmation issued", email, token, "")
	return nil
}

func (n LogNotifier) SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error {
	n.log(ctx, "password reset issued", email, token, expiresAt.Format(time.RFC3339))
	return nil
}

func (n LogNotifier) log(ctx context.Context, msg, email, token, expiresAt string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"email", email}
	if expiresAt != "" {
		attrs = append(attrs, "expires_at", expiresAt)
	}
	if n.IncludeTokens {
		attrs = append(attrs, "token", token)
	}
	logger.InfoContext(ctx, msg, attrs...)
}

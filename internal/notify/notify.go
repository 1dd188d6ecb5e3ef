// Package notify delivers notification messages to recipients over the
// configured channels.
package notify

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Notifier delivers one message to one recipient.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipient, subject, body string) error

func (f NotifierFunc) Send(ctx context.Context, recipient, subject, body string) error {
	return f(ctx, recipient, subject, body)
}

// Multi sends through every notifier and returns all failures combined.
// A failing channel does not stop the others.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, recipient, subject, body string) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Send(ctx, recipient, subject, body))
	}
	return err
}

// LogNotifier writes messages to the log instead of delivering them. It is
// the fallback when no mail server is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Send(_ context.Context, recipient, subject, body string) error {
	l.Logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

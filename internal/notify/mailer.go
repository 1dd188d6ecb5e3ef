package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

var ErrNoRecipient = errors.New("no recipient")

// Dialer delivers prepared messages. *mail.Client satisfies it.
type Dialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends plain-text mail through an SMTP relay.
type Mailer struct {
	From   string
	Client Dialer
	Now    func() time.Time
}

// NewMailer returns nil when no relay host is configured. timeout bounds
// each connection to the relay.
func NewMailer(host string, port int, username, password, from string, timeout time.Duration) (*Mailer, error) {
	if host == "" {
		return nil, nil
	}
	if port == 0 {
		port = 587
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithPort(port),
		mail.WithTimeout(timeout),
	}
	if username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}
	c, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &Mailer{From: from, Client: c}, nil
}

// Send returns once ctx is done even if the relay never answers; the
// abandoned dial ends at the client's own timeout.
func (m *Mailer) Send(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.message(recipient, subject, body)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- m.Client.DialAndSendWithContext(ctx, msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", recipient, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", recipient, ctx.Err())
	}
}

func (m *Mailer) message(to, subject, body string) (*mail.Msg, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("sender %q: %w", m.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", to, err)
	}
	msg.Subject(headerSafe(subject))
	msg.SetDateWithValue(now())
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

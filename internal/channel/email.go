package channel

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// EmailOptions configures the SMTP channel
type EmailOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// Email sends each alert as one message to a fixed recipient list. Reach is
// the number of recipients the server accepted the message for.
type Email struct {
	from       string
	recipients []string
	dial       func() (gomail.SendCloser, error)
}

func NewEmail(opts EmailOptions) *Email {
	d := gomail.NewDialer(opts.Host, opts.Port, opts.Username, opts.Password)
	return &Email{
		from:       opts.From,
		recipients: append([]string(nil), opts.Recipients...),
		dial:       d.Dial,
	}
}

func (e *Email) Send(ctx context.Context, msg Message) Result {
	if len(e.recipients) == 0 {
		return Failed(fmt.Errorf("email: no recipients configured"))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.from)
	m.SetHeader("Bcc", e.recipients...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", msg.Severity, msg.Title))
	if msg.Priority >= 4 {
		m.SetHeader("X-Priority", "1")
	}
	body := msg.Body
	if msg.Area != "" {
		body += "\n\nArea: " + msg.Area
	}
	m.SetBody("text/plain", body)

	// gomail has no context support; the send is abandoned, not aborted, on cancel
	done := make(chan error, 1)
	go func() {
		s, err := e.dial()
		if err != nil {
			done <- fmt.Errorf("dial smtp: %w", err)
			return
		}
		defer s.Close()
		done <- gomail.Send(s, m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Failed(fmt.Errorf("email: %w", err))
		}
		return Sent(len(e.recipients))
	case <-ctx.Done():
		return Failed(fmt.Errorf("email: %w", ctx.Err()))
	}
}

package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/unclebandit/cellar-dispatch/internal/delivery"
)

// SMTP sends email through a plain SMTP relay. SMTP reply codes surface as
// *textproto.Error, which the email sender translates.
type SMTP struct {
	Dialer    *gomail.Dialer
	FromEmail string
	FromName  string
	Domain    string
}

func NewSMTP(host string, port int, username, password, fromEmail, fromName string) *SMTP {
	return &SMTP{
		Dialer:    gomail.NewDialer(host, port, username, password),
		FromEmail: fromEmail,
		FromName:  fromName,
		Domain:    host,
	}
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) SendEmail(ctx context.Context, msg delivery.EmailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.Domain)

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", id)
	m.SetAddressHeader("From", s.FromEmail, s.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)

	// gomail has no context support; run the exchange in the background so
	// a hung relay is bounded by ctx. Send is called on the SendCloser
	// directly because gomail.Send flattens *textproto.Error into a string.
	done := make(chan error, 1)
	go func() { done <- s.deliver(msg.To, m) }()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *SMTP) deliver(to string, m *gomail.Message) error {
	sc, err := s.Dialer.Dial()
	if err != nil {
		return err
	}
	defer sc.Close()
	return sc.Send(s.FromEmail, []string{to}, m)
}

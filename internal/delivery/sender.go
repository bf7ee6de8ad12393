package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/cellar-dispatch/internal/format"
	"github.com/unclebandit/cellar-dispatch/internal/model"
)

// Sender delivers one campaign to one member over its channel and returns
// the provider's external id.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, c *model.Campaign, m *model.Member) (string, error)
}

type SMSSender struct {
	Provider      SMSProvider
	Limiter       *Limiter
	DefaultRegion string
	CallTimeout   time.Duration
}

func (s *SMSSender) Channel() model.Channel { return model.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, c *model.Campaign, m *model.Member) (string, error) {
	if m.Phone == nil || *m.Phone == "" {
		return "", Permanent(ReasonInvalidPhone, errors.New("member has no phone number"))
	}
	to, err := NormalizePhone(*m.Phone, s.DefaultRegion)
	if err != nil {
		return "", Permanent(ReasonInvalidPhone, err)
	}

	body := format.SMS(c, m)

	if err := admit(ctx, s.Limiter, model.ChannelSMS); err != nil {
		return "", err
	}

	callCtx, cancel := withTimeout(ctx, s.CallTimeout)
	defer cancel()

	receipt, err := s.Provider.SendSMS(callCtx, to, body)
	if err != nil {
		return "", translateSMS(s.Provider.Name(), err)
	}
	return receipt.ExternalID, nil
}

type EmailSender struct {
	Provider    EmailProvider
	Limiter     *Limiter
	Options     format.EmailOptions
	CallTimeout time.Duration
}

func (s *EmailSender) Channel() model.Channel { return model.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, c *model.Campaign, m *model.Member) (string, error) {
	if m.Email == nil || *m.Email == "" {
		return "", Permanent(ReasonInvalidEmail, errors.New("member has no email address"))
	}
	to, err := NormalizeEmail(*m.Email)
	if err != nil {
		return "", Permanent(ReasonInvalidEmail, err)
	}

	rendered, err := format.RenderEmail(c, m, s.Options)
	if err != nil {
		return "", Permanent(ReasonUnknown, err)
	}

	if err := admit(ctx, s.Limiter, model.ChannelEmail); err != nil {
		return "", err
	}

	callCtx, cancel := withTimeout(ctx, s.CallTimeout)
	defer cancel()

	id, err := s.Provider.SendEmail(callCtx, EmailMessage{
		To:      to,
		ToName:  m.DisplayName(),
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	if err != nil {
		return "", translateEmail(s.Provider.Name(), err)
	}
	return id, nil
}

func admit(ctx context.Context, l *Limiter, ch model.Channel) error {
	if l == nil {
		return nil
	}
	_, err := l.Admit(ctx, string(ch))
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

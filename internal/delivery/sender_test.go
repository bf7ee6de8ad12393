package delivery

import (
	"context"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cellar-dispatch/internal/format"
	"github.com/unclebandit/cellar-dispatch/internal/model"
)

type stubSMS struct {
	to, body string
	err      error
	delay    time.Duration
}

func (s *stubSMS) Name() string { return "stub-sms" }

func (s *stubSMS) SendSMS(ctx context.Context, to, body string) (SMSReceipt, error) {
	s.to, s.body = to, body
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return SMSReceipt{}, ctx.Err()
		}
	}
	if s.err != nil {
		return SMSReceipt{}, s.err
	}
	return SMSReceipt{ExternalID: "SM123", Status: "queued"}, nil
}

type stubEmail struct {
	msg EmailMessage
	err error
}

func (s *stubEmail) Name() string { return "stub-email" }

func (s *stubEmail) SendEmail(_ context.Context, msg EmailMessage) (string, error) {
	s.msg = msg
	if s.err != nil {
		return "", s.err
	}
	return "<msg-1@brevo>", nil
}

func strPtr(s string) *string { return &s }

var wine = &model.Campaign{ID: 1, Message: "Harvest party Saturday", Products: []model.ProductLine{{Name: "Syrah", Price: 3000}}}

func TestSMSSenderNormalizesAndSends(t *testing.T) {
	p := &stubSMS{}
	s := &SMSSender{Provider: p, DefaultRegion: "US"}

	id, err := s.Send(context.Background(), wine, &model.Member{FirstName: "Ana", Phone: strPtr("(415) 555-2671")})
	require.NoError(t, err)
	assert.Equal(t, "SM123", id)
	assert.Equal(t, "+14155552671", p.to)
	assert.Equal(t, format.SMS(wine, &model.Member{FirstName: "Ana"}), p.body)
}

func TestSMSSenderMissingPhoneIsPermanent(t *testing.T) {
	p := &stubSMS{}
	s := &SMSSender{Provider: p, DefaultRegion: "US"}

	_, err := s.Send(context.Background(), wine, &model.Member{ConsentSMS: true})
	c := Classify(err)
	assert.Equal(t, KindPermanent, c.Kind)
	assert.Equal(t, ReasonInvalidPhone, c.Reason)
	assert.False(t, c.ShouldRetry)
	assert.Empty(t, p.to, "provider must not be called")
}

func TestSMSSenderRejectsGarbagePhone(t *testing.T) {
	s := &SMSSender{Provider: &stubSMS{}, DefaultRegion: "US"}
	_, err := s.Send(context.Background(), wine, &model.Member{Phone: strPtr("12")})
	assert.Equal(t, ReasonInvalidPhone, Classify(err).Reason)
}

func TestSMSSenderTranslatesProviderCodes(t *testing.T) {
	cases := map[string]Classification{
		"21211": classification(KindPermanent, ReasonInvalidPhone),
		"21610": classification(KindPermanent, ReasonUnsubscribed),
		"20429": classification(KindTransient, ReasonRateLimited),
	}
	for code, want := range cases {
		p := &stubSMS{err: &ProviderError{Provider: "twilio", Code: code, HTTPStatus: 400, Message: "nope"}}
		s := &SMSSender{Provider: p, DefaultRegion: "US"}
		_, err := s.Send(context.Background(), wine, &model.Member{Phone: strPtr("+14155552671")})
		assert.Equal(t, want, Classify(err), code)

		var pe *ProviderError
		assert.True(t, errors.As(err, &pe), "raw provider error is kept")
	}
}

func TestSMSSenderUnmappedHTTP429(t *testing.T) {
	p := &stubSMS{err: &ProviderError{Provider: "twilio", Code: "99999", HTTPStatus: 429}}
	s := &SMSSender{Provider: p, DefaultRegion: "US"}
	_, err := s.Send(context.Background(), wine, &model.Member{Phone: strPtr("+14155552671")})
	assert.Equal(t, ReasonRateLimited, Classify(err).Reason)
}

func TestSMSSenderCallTimeoutIsTransient(t *testing.T) {
	p := &stubSMS{delay: time.Second}
	s := &SMSSender{Provider: p, DefaultRegion: "US", CallTimeout: 10 * time.Millisecond}
	_, err := s.Send(context.Background(), wine, &model.Member{Phone: strPtr("+14155552671")})
	c := Classify(err)
	assert.Equal(t, KindTransient, c.Kind)
	assert.Equal(t, ReasonTimeout, c.Reason)
}

func TestSMSSenderSurfacesLimiterCapacity(t *testing.T) {
	l := NewLimiter(map[string]time.Duration{"sms": time.Hour}, WithResidencyTimeout(5*time.Millisecond))
	s := &SMSSender{Provider: &stubSMS{}, Limiter: l, DefaultRegion: "US"}
	m := &model.Member{Phone: strPtr("+14155552671")}

	_, err := s.Send(context.Background(), wine, m)
	require.NoError(t, err)
	_, err = s.Send(context.Background(), wine, m)
	assert.Equal(t, KindCapacity, Classify(err).Kind)
}

func TestEmailSenderSends(t *testing.T) {
	p := &stubEmail{}
	s := &EmailSender{Provider: p, Options: format.EmailOptions{UnsubscribeBaseURL: "https://x.test/u"}}

	id, err := s.Send(context.Background(), wine, &model.Member{ID: 4, FirstName: "Bo", LastName: "Li", Email: strPtr(" Bo.Li@Example.com ")})
	require.NoError(t, err)
	assert.Equal(t, "<msg-1@brevo>", id)
	assert.Equal(t, "bo.li@example.com", p.msg.To)
	assert.Equal(t, "Bo Li", p.msg.ToName)
	assert.Equal(t, "New from the cellar: Syrah", p.msg.Subject)
	assert.Contains(t, p.msg.Text, "Harvest party Saturday")
}

func TestEmailSenderInvalidAddress(t *testing.T) {
	s := &EmailSender{Provider: &stubEmail{}}
	for _, m := range []*model.Member{{}, {Email: strPtr("not-an-email")}, {Email: strPtr("a@localhost")}} {
		_, err := s.Send(context.Background(), wine, m)
		assert.Equal(t, classification(KindPermanent, ReasonInvalidEmail), Classify(err))
	}
}

func TestEmailSenderTranslatesCodes(t *testing.T) {
	cases := []struct {
		err  error
		want Classification
	}{
		{&ProviderError{Provider: "brevo", Code: "not_enough_credits", HTTPStatus: 402}, classification(KindCapacity, ReasonQuotaExceeded)},
		{&ProviderError{Provider: "brevo", Code: "invalid_parameter", HTTPStatus: 400}, classification(KindPermanent, ReasonInvalidAddress)},
		{&ProviderError{Provider: "brevo", Code: "", HTTPStatus: 429}, classification(KindTransient, ReasonRateLimited)},
		{&ProviderError{Provider: "brevo", HTTPStatus: 503}, classification(KindTransient, ReasonNetwork)},
		{&textproto.Error{Code: 550, Msg: "mailbox unavailable"}, classification(KindPermanent, ReasonBounced)},
		{&textproto.Error{Code: 421, Msg: "try later"}, classification(KindTransient, ReasonRateLimited)},
		{&textproto.Error{Code: 452, Msg: "insufficient storage"}, classification(KindCapacity, ReasonQuotaExceeded)},
	}
	for _, tc := range cases {
		s := &EmailSender{Provider: &stubEmail{err: tc.err}}
		_, err := s.Send(context.Background(), wine, &model.Member{Email: strPtr("a@b.co")})
		assert.Equal(t, tc.want, Classify(err), tc.err.Error())
	}
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("+44 7400 123456", "US")
	require.NoError(t, err)
	assert.Equal(t, "+447400123456", got)

	_, err = NormalizePhone("", "US")
	assert.Error(t, err)
}

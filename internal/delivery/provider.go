package delivery

import (
	"context"
	"fmt"
)

// SMSProvider is an SMS carrier API.
type SMSProvider interface {
	Name() string
	SendSMS(ctx context.Context, to, body string) (SMSReceipt, error)
}

type SMSReceipt struct {
	ExternalID string
	Status     string
}

// EmailProvider is a transactional email service.
type EmailProvider interface {
	Name() string
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// ProviderError is the raw failure a provider adapter reports. Senders
// translate it into an *Error.
type ProviderError struct {
	Provider   string
	Code       string
	HTTPStatus int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error %s (http %d): %s", e.Provider, e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s error (http %d): %s", e.Provider, e.HTTPStatus, e.Message)
}

// Package provider implements the concrete SMS and email delivery
// backends behind delivery.SMSProvider and delivery.EmailProvider.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/cellar-dispatch/internal/delivery"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// Twilio sends SMS through the Twilio Messages REST API.
type Twilio struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

func NewTwilio(accountSID, authToken, fromNumber string) *Twilio {
	return &Twilio{
		AccountSID: accountSID,
		AuthToken:  authToken,
		FromNumber: fromNumber,
		BaseURL:    twilioBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *Twilio) Name() string { return "twilio" }

type twilioMessage struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Twilio) SendSMS(ctx context.Context, to, body string) (delivery.SMSReceipt, error) {
	form := url.Values{}
	form.Set("From", t.FromNumber)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.BaseURL, url.PathEscape(t.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return delivery.SMSReceipt{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.AccountSID, t.AuthToken)

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return delivery.SMSReceipt{}, fmt.Errorf("twilio post: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var msg twilioMessage
	_ = json.Unmarshal(raw, &msg)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := &delivery.ProviderError{Provider: t.Name(), HTTPStatus: resp.StatusCode, Message: msg.Message}
		if msg.Code != 0 {
			pe.Code = strconv.Itoa(msg.Code)
		}
		if pe.Message == "" {
			pe.Message = string(raw)
		}
		return delivery.SMSReceipt{}, pe
	}

	return delivery.SMSReceipt{ExternalID: msg.SID, Status: msg.Status}, nil
}

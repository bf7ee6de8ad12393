package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unclebandit/cellar-dispatch/internal/delivery"
)

const brevoURL = "https://api.brevo.com/v3/smtp/email"

// Brevo sends transactional email through the Brevo v3 API.
type Brevo struct {
	APIKey     string
	FromEmail  string
	FromName   string
	URL        string
	HTTPClient *http.Client
}

func NewBrevo(apiKey, fromEmail, fromName string) *Brevo {
	return &Brevo{
		APIKey:     apiKey,
		FromEmail:  fromEmail,
		FromName:   fromName,
		URL:        brevoURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *Brevo) Name() string { return "brevo" }

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoRequest struct {
	Sender      brevoContact   `json:"sender"`
	To          []brevoContact `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
	TextContent string         `json:"textContent,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (b *Brevo) SendEmail(ctx context.Context, msg delivery.EmailMessage) (string, error) {
	body, err := json.Marshal(brevoRequest{
		Sender:      brevoContact{Email: b.FromEmail, Name: b.FromName},
		To:          []brevoContact{{Email: msg.To, Name: msg.ToName}},
		Subject:     msg.Subject,
		HTMLContent: msg.HTML,
		TextContent: msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.APIKey)

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("brevo post: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out brevoResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := &delivery.ProviderError{Provider: b.Name(), Code: out.Code, HTTPStatus: resp.StatusCode, Message: out.Message}
		if pe.Message == "" {
			pe.Message = string(raw)
		}
		return "", pe
	}
	return out.MessageID, nil
}

package provider

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/delivery"
	"github.com/unclebandit/cellar-dispatch/internal/logger"
)

// Sandbox logs instead of delivering and hands back fake provider ids.
// FailureRate (0..1) injects throttling errors for local testing.
type Sandbox struct {
	Log         logrus.FieldLogger
	FailureRate float64

	mu   sync.Mutex
	rand *rand.Rand
}

func NewSandbox(log logrus.FieldLogger, failureRate float64, seed int64) *Sandbox {
	return &Sandbox{Log: logger.OrStandard(log), FailureRate: failureRate, rand: rand.New(rand.NewSource(seed))}
}

func (s *Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) fail() bool {
	if s.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(1))
	}
	return s.rand.Float64() < s.FailureRate
}

func (s *Sandbox) SendSMS(ctx context.Context, to, body string) (delivery.SMSReceipt, error) {
	if err := ctx.Err(); err != nil {
		return delivery.SMSReceipt{}, err
	}
	if s.fail() {
		return delivery.SMSReceipt{}, &delivery.ProviderError{Provider: s.Name(), Code: "20429", HTTPStatus: 429, Message: "sandbox throttle"}
	}
	id := "SB" + uuid.NewString()
	logger.OrStandard(s.Log).WithFields(logrus.Fields{"to": to, "external_id": id, "length": len(body)}).Info("sandbox sms")
	return delivery.SMSReceipt{ExternalID: id, Status: "queued"}, nil
}

func (s *Sandbox) SendEmail(ctx context.Context, msg delivery.EmailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.fail() {
		return "", &delivery.ProviderError{Provider: s.Name(), Code: "too_many_requests", HTTPStatus: 429, Message: "sandbox throttle"}
	}
	id := "<" + uuid.NewString() + "@sandbox>"
	logger.OrStandard(s.Log).WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject, "external_id": id}).Info("sandbox email")
	return id, nil
}

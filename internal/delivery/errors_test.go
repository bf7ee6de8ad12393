package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBuckets(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		kind       Kind
		retry      bool
		maxRetries int
	}{
		{"invalid phone", Permanent(ReasonInvalidPhone, nil), KindPermanent, false, 0},
		{"bounced", Permanent(ReasonBounced, nil), KindPermanent, false, 0},
		{"unsubscribed", Permanent(ReasonUnsubscribed, nil), KindPermanent, false, 0},
		{"rate limited", Transient(ReasonRateLimited, nil), KindTransient, true, 3},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), KindTransient, true, 3},
		{"net timeout", &net.DNSError{Err: "i/o timeout", IsTimeout: true}, KindTransient, true, 3},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransient, true, 3},
		{"queue full", ErrQueueFull, KindCapacity, false, 0},
		{"residency", ErrResidencyTimeout, KindCapacity, false, 0},
		{"message: throttled", errors.New("Provider throttled the request"), KindTransient, true, 3},
		{"message: bounce", errors.New("hard bounce from remote"), KindPermanent, false, 0},
		{"message: opted out", errors.New("recipient opted out"), KindPermanent, false, 0},
		{"message: econnreset", errors.New("read: ECONNRESET"), KindTransient, true, 3},
		{"unknown", errors.New("something odd"), KindUnknown, true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			assert.Equal(t, tc.kind, c.Kind)
			assert.Equal(t, tc.retry, c.ShouldRetry)
			assert.Equal(t, tc.maxRetries, c.MaxRetries)
			assert.Equal(t, tc.kind == KindTransient, c.IsTransient)
			assert.Equal(t, c, Classify(tc.err), "classification must be stable")
		})
	}
}

func TestClassifyWrappedDeliveryError(t *testing.T) {
	err := fmt.Errorf("dispatch message 4: %w", &Error{Kind: KindPermanent, Reason: ReasonBounced, Provider: "brevo"})
	c := Classify(err)
	assert.Equal(t, KindPermanent, c.Kind)
	assert.Equal(t, ReasonBounced, c.Reason)
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, Classification{}, Classify(nil))
}

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	assert.Equal(t, 500*time.Millisecond, Backoff(base, 1))
	assert.Equal(t, time.Second, Backoff(base, 2))
	assert.Equal(t, 2*time.Second, Backoff(base, 3))
	assert.Equal(t, 500*time.Millisecond, Backoff(base, 0))
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindTransient, Reason: ReasonRateLimited, Provider: "twilio", Code: "20429", Err: errors.New("slow down")}
	assert.Equal(t, "transient/rate_limited (twilio code=20429): slow down", err.Error())
}

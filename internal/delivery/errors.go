// Package delivery holds the per-message delivery path: error
// classification, provider admission control and the channel senders.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind buckets a delivery failure by what the caller should do about it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCapacity:
		return "capacity"
	}
	return "unknown"
}

type Reason string

const (
	ReasonInvalidAddress   Reason = "invalid_address"
	ReasonInvalidPhone     Reason = "invalid_phone"
	ReasonInvalidEmail     Reason = "invalid_email"
	ReasonBounced          Reason = "bounced"
	ReasonUnsubscribed     Reason = "unsubscribed"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonTimeout          Reason = "timeout"
	ReasonNetwork          Reason = "network"
	ReasonQueueFull        Reason = "queue_full"
	ReasonResidencyTimeout Reason = "residency_timeout"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonUnknown          Reason = "unknown"
)

// Error is the tagged failure returned by senders. Err keeps the raw
// provider error for logs.
type Error struct {
	Kind     Kind
	Reason   Reason
	Provider string
	Code     string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString("/")
	b.WriteString(string(e.Reason))
	if e.Provider != "" {
		fmt.Fprintf(&b, " (%s", e.Provider)
		if e.Code != "" {
			fmt.Fprintf(&b, " code=%s", e.Code)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func Permanent(reason Reason, err error) *Error {
	return &Error{Kind: KindPermanent, Reason: reason, Err: err}
}

func Transient(reason Reason, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

func Capacity(reason Reason, err error) *Error {
	return &Error{Kind: KindCapacity, Reason: reason, Err: err}
}

var (
	ErrQueueFull        = Capacity(ReasonQueueFull, errors.New("rate limiter queue is full"))
	ErrResidencyTimeout = Capacity(ReasonResidencyTimeout, errors.New("rate limiter residency timeout exceeded"))
)

// Classification is the retry decision for one error.
type Classification struct {
	Kind        Kind
	Reason      Reason
	IsTransient bool
	ShouldRetry bool
	MaxRetries  int
}

const (
	TransientMaxRetries = 3
	UnknownMaxRetries   = 1
)

// Classify maps err onto the retry taxonomy. It depends only on the
// error's identifying fields, so repeated calls agree.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var de *Error
	if errors.As(err, &de) {
		return classification(de.Kind, de.Reason)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return classification(KindTransient, ReasonTimeout)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return classification(KindTransient, ReasonTimeout)
		}
		return classification(KindTransient, ReasonNetwork)
	}

	return classifyMessage(err.Error())
}

func classification(kind Kind, reason Reason) Classification {
	c := Classification{Kind: kind, Reason: reason}
	switch kind {
	case KindTransient:
		c.IsTransient = true
		c.ShouldRetry = true
		c.MaxRetries = TransientMaxRetries
	case KindUnknown:
		c.ShouldRetry = true
		c.MaxRetries = UnknownMaxRetries
	}
	return c
}

// classifyMessage is the fallback for errors no sender translated.
func classifyMessage(msg string) Classification {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "invalid phone", "invalid number", "not a valid phone"):
		return classification(KindPermanent, ReasonInvalidPhone)
	case containsAny(m, "invalid email", "invalid recipient", "invalid address"):
		return classification(KindPermanent, ReasonInvalidAddress)
	case containsAny(m, "bounce"):
		return classification(KindPermanent, ReasonBounced)
	case containsAny(m, "unsubscribe", "opted out", "opt-out"):
		return classification(KindPermanent, ReasonUnsubscribed)
	case containsAny(m, "rate limit", "too many requests", "throttl"):
		return classification(KindTransient, ReasonRateLimited)
	case containsAny(m, "timeout", "timed out", "etimedout"):
		return classification(KindTransient, ReasonTimeout)
	case containsAny(m, "econnreset", "econnrefused", "connection reset", "connection refused", "network"):
		return classification(KindTransient, ReasonNetwork)
	}
	return classification(KindUnknown, ReasonUnknown)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Backoff returns base * 2^(attempt-1). attempt is 1-based.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

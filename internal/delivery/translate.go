package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/textproto"
	"strconv"
)

// Twilio error codes, see https://www.twilio.com/docs/api/errors.
var twilioCodes = map[string]struct {
	kind   Kind
	reason Reason
}{
	"21211": {KindPermanent, ReasonInvalidPhone}, // invalid 'To' number
	"21614": {KindPermanent, ReasonInvalidPhone}, // not a mobile number
	"21408": {KindPermanent, ReasonInvalidPhone}, // region not enabled
	"30006": {KindPermanent, ReasonInvalidPhone}, // landline or unreachable carrier
	"21610": {KindPermanent, ReasonUnsubscribed}, // recipient replied STOP
	"30004": {KindPermanent, ReasonBounced},      // message blocked
	"30005": {KindPermanent, ReasonBounced},      // unknown destination handset
	"20429": {KindTransient, ReasonRateLimited},  // too many requests
	"14107": {KindTransient, ReasonRateLimited},  // sender rate limit exceeded
	"30001": {KindTransient, ReasonRateLimited},  // queue overflow
	"20500": {KindTransient, ReasonNetwork},      // internal server error
	"20503": {KindTransient, ReasonNetwork},      // service unavailable
}

// Brevo transactional email error codes.
var brevoCodes = map[string]struct {
	kind   Kind
	reason Reason
}{
	"invalid_parameter":  {KindPermanent, ReasonInvalidAddress},
	"missing_parameter":  {KindPermanent, ReasonInvalidAddress},
	"not_enough_credits": {KindCapacity, ReasonQuotaExceeded},
	"too_many_requests":  {KindTransient, ReasonRateLimited},
	"unsubscribed":       {KindPermanent, ReasonUnsubscribed},
	"blocked":            {KindPermanent, ReasonBounced},
}

func translateSMS(provider string, err error) error {
	return translate(provider, err, func(pe *ProviderError) *Error {
		if t, ok := twilioCodes[pe.Code]; ok {
			return &Error{Kind: t.kind, Reason: t.reason}
		}
		return nil
	})
}

func translateEmail(provider string, err error) error {
	return translate(provider, err, func(pe *ProviderError) *Error {
		if t, ok := brevoCodes[pe.Code]; ok {
			return &Error{Kind: t.kind, Reason: t.reason}
		}
		if code, convErr := strconv.Atoi(pe.Code); convErr == nil {
			return smtpCode(code)
		}
		return nil
	})
}

// translate wraps a provider failure in the shared taxonomy. Errors that
// match no table are returned as-is so Classify can apply its defaults.
func translate(provider string, err error, byCode func(*ProviderError) *Error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Reason: ReasonTimeout, Provider: provider, Err: err}
	}

	var tp *textproto.Error
	if errors.As(err, &tp) {
		if out := smtpCode(tp.Code); out != nil {
			out.Provider, out.Code, out.Err = provider, strconv.Itoa(tp.Code), err
			return out
		}
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		return err
	}

	out := byCode(pe)
	if out == nil {
		out = byHTTPStatus(pe.HTTPStatus)
	}
	if out == nil {
		return err
	}
	out.Provider, out.Code, out.Err = provider, pe.Code, err
	return out
}

func byHTTPStatus(status int) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindTransient, Reason: ReasonRateLimited}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTransient, Reason: ReasonTimeout}
	case status >= 500:
		return &Error{Kind: KindTransient, Reason: ReasonNetwork}
	}
	return nil
}

// smtpCode maps SMTP reply codes (RFC 5321).
func smtpCode(code int) *Error {
	switch code {
	case 421, 450, 451:
		return &Error{Kind: KindTransient, Reason: ReasonRateLimited}
	case 452, 552:
		return &Error{Kind: KindCapacity, Reason: ReasonQuotaExceeded}
	case 550, 551, 553, 554:
		return &Error{Kind: KindPermanent, Reason: ReasonBounced}
	case 501:
		return &Error{Kind: KindPermanent, Reason: ReasonInvalidAddress}
	}
	return nil
}

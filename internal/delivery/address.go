package delivery

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses raw (national or international) and returns its
// E.164 form. defaultRegion is used for numbers without a country code.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty phone number")
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("not a valid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// NormalizeEmail performs syntactic validation and returns the bare,
// lower-cased address.
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty email address")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 1 || !strings.Contains(addr.Address[at:], ".") {
		return "", errors.New("email domain is not qualified")
	}
	return strings.ToLower(addr.Address), nil
}

// internal/model/member.go
package model

import "time"

// Member is a club member as read from roster storage. Dispatch treats it
// as read-only.
type Member struct {
	ID           int        `db:"id" json:"id"`
	TenantID     int        `db:"tenant_id" json:"tenant_id"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	Phone        *string    `db:"phone" json:"phone,omitempty"`
	Email        *string    `db:"email" json:"email,omitempty"`
	Region       string     `db:"region" json:"region"`
	Tags         []string   `db:"tags" json:"tags"`
	ConsentSMS   bool       `db:"consent_sms" json:"consent_sms"`
	ConsentEmail bool       `db:"consent_email" json:"consent_email"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

func (m *Member) DisplayName() string {
	switch {
	case m.FirstName != "" && m.LastName != "":
		return m.FirstName + " " + m.LastName
	case m.FirstName != "":
		return m.FirstName
	}
	return m.LastName
}

func (m *Member) Consents(ch Channel) bool {
	switch ch {
	case ChannelSMS:
		return m.ConsentSMS
	case ChannelEmail:
		return m.ConsentEmail
	}
	return false
}

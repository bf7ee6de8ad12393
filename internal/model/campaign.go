// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
)

// CanSend reports whether a campaign in this status may enter dispatch.
func (s CampaignStatus) CanSend() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// Editable reports whether direct edits (update/delete) are allowed.
func (s CampaignStatus) Editable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// CanTransition enforces the forward-only lifecycle. Any non-terminal
// status may fall to failed.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	switch s {
	case CampaignDraft:
		return to == CampaignScheduled || to == CampaignSending || to == CampaignFailed
	case CampaignScheduled:
		return to == CampaignDraft || to == CampaignSending || to == CampaignFailed
	case CampaignSending:
		return to == CampaignSent || to == CampaignFailed
	}
	return false
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// ProductLine is one featured wine in a campaign. Price is in cents.
type ProductLine struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type Campaign struct {
	ID             int            `db:"id" json:"id"`
	TenantID       int            `db:"tenant_id" json:"tenant_id"`
	Name           string         `db:"name" json:"name"`
	Status         CampaignStatus `db:"status" json:"status"`
	Products       []ProductLine  `db:"products" json:"products"`
	Message        string         `db:"message" json:"message"`
	ImageURL       *string        `db:"image_url" json:"image_url,omitempty"`
	Audience       AudienceSpec   `db:"audience" json:"audience"`
	Channels       []Channel      `db:"channels" json:"channels"`
	SentCount      int            `db:"sent_count" json:"sent_count"`
	DeliveredCount int            `db:"delivered_count" json:"delivered_count"`
	OpenedCount    int            `db:"opened_count" json:"opened_count"`
	ClickedCount   int            `db:"clicked_count" json:"clicked_count"`
	ScheduledAt    *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	SentAt         *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// LeadProduct returns the first product line, if any.
func (c *Campaign) LeadProduct() (ProductLine, bool) {
	if len(c.Products) == 0 {
		return ProductLine{}, false
	}
	return c.Products[0], true
}

func (c *Campaign) HasChannel(ch Channel) bool {
	for _, x := range c.Channels {
		if x == ch {
			return true
		}
	}
	return false
}

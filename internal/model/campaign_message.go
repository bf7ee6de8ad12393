// internal/model/campaign_message.go
package model

import "time"

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// CampaignMessage is one obligation to deliver a campaign to one member
// over one channel. It leaves pending exactly once.
type CampaignMessage struct {
	ID         int           `db:"id" json:"id"`
	CampaignID int           `db:"campaign_id" json:"campaign_id"`
	MemberID   int           `db:"member_id" json:"member_id"`
	Channel    Channel       `db:"channel" json:"channel"`
	Status     MessageStatus `db:"status" json:"status"`
	ExternalID *string       `db:"external_id" json:"external_id,omitempty"`
	LastError  string        `db:"last_error,omitempty" json:"last_error,omitempty"`
	Attempts   int           `db:"attempts" json:"attempts"`
	SentAt     *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// MessageStats is the ledger view of a campaign, recomputed from storage.
type MessageStats struct {
	Total     int                     `json:"total"`
	Pending   int                     `json:"pending"`
	Sent      int                     `json:"sent"`
	Failed    int                     `json:"failed"`
	ByChannel map[Channel]ChannelStat `json:"by_channel"`
}

type ChannelStat struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Add folds a (channel, status, count) row into the stats.
func (s *MessageStats) Add(ch Channel, status MessageStatus, n int) {
	if s.ByChannel == nil {
		s.ByChannel = map[Channel]ChannelStat{}
	}
	cs := s.ByChannel[ch]
	switch status {
	case MessagePending:
		s.Pending += n
		cs.Pending += n
	case MessageSent:
		s.Sent += n
		cs.Sent += n
	case MessageFailed:
		s.Failed += n
		cs.Failed += n
	}
	s.Total += n
	s.ByChannel[ch] = cs
}

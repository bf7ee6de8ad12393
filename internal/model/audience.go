// internal/model/audience.go
package model

type AudienceType string

const (
	AudienceAll    AudienceType = "all"
	AudienceTag    AudienceType = "tag"
	AudienceRegion AudienceType = "region"
	AudienceCustom AudienceType = "custom"
)

// AudienceSpec selects recipients at send time. It is stored on the
// campaign but never expanded into a persisted recipient list.
type AudienceSpec struct {
	Type      AudienceType `json:"type"`
	Tags      []string     `json:"tags,omitempty"`
	Regions   []string     `json:"regions,omitempty"`
	MemberIDs []int        `json:"member_ids,omitempty"`
}

// MemberFilter is the storage-level predicate the resolver builds from an
// AudienceSpec. Empty slices mean "no restriction" on that attribute.
type MemberFilter struct {
	Tags      []string
	Regions   []string
	MemberIDs []int
	// AnyConsent keeps members consenting to at least one of these channels.
	AnyConsent []Channel
}

package service

import (
	"context"
	"fmt"

	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/repository"
)

// AudienceResolver expands an AudienceSpec into the members of a tenant who
// consent to at least one of the requested channels. It is read-only.
type AudienceResolver struct {
	Members repository.MemberRepositoryInterface
}

// ValidateAudience rejects specs that cannot be resolved. A custom audience
// must name its members; it never widens to the whole roster.
func ValidateAudience(spec model.AudienceSpec) error {
	switch spec.Type {
	case model.AudienceAll:
		return nil
	case model.AudienceTag:
		if len(spec.Tags) == 0 {
			return fmt.Errorf("%w: tag audience needs at least one tag", appErrors.ErrUnsupportedAudience)
		}
	case model.AudienceRegion:
		if len(spec.Regions) == 0 {
			return fmt.Errorf("%w: region audience needs at least one region", appErrors.ErrUnsupportedAudience)
		}
	case model.AudienceCustom:
		if len(spec.MemberIDs) == 0 {
			return fmt.Errorf("%w: custom audience needs member_ids", appErrors.ErrUnsupportedAudience)
		}
	default:
		return fmt.Errorf("%w: type %q", appErrors.ErrUnsupportedAudience, spec.Type)
	}
	return nil
}

// Resolve returns the current consenting recipients. An empty result is not
// an error.
func (r *AudienceResolver) Resolve(ctx context.Context, tenantID int, spec model.AudienceSpec, channels []model.Channel) ([]model.Member, error) {
	if err := ValidateAudience(spec); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}

	filter := model.MemberFilter{AnyConsent: channels}
	switch spec.Type {
	case model.AudienceTag:
		filter.Tags = spec.Tags
	case model.AudienceRegion:
		filter.Regions = spec.Regions
	case model.AudienceCustom:
		filter.MemberIDs = spec.MemberIDs
	}

	members, err := r.Members.ListAudience(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	out := members[:0]
	for _, m := range members {
		if m.TenantID == tenantID && m.DeletedAt == nil && consentsToAny(&m, channels) {
			out = append(out, m)
		}
	}
	return out, nil
}

func consentsToAny(m *model.Member, channels []model.Channel) bool {
	for _, ch := range channels {
		if m.Consents(ch) {
			return true
		}
	}
	return false
}

// messagesFor builds one pending message per (member, consented channel).
func messagesFor(campaignID int, members []model.Member, channels []model.Channel) []*model.CampaignMessage {
	var out []*model.CampaignMessage
	for i := range members {
		for _, ch := range channels {
			if !members[i].Consents(ch) {
				continue
			}
			out = append(out, &model.CampaignMessage{
				CampaignID: campaignID,
				MemberID:   members[i].ID,
				Channel:    ch,
				Status:     model.MessagePending,
			})
		}
	}
	return out
}

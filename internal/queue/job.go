package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TopicCampaignDispatch carries DispatchJobs from the API to workers.
const TopicCampaignDispatch = "campaign_dispatch"

// DispatchJob asks a worker to deliver the pending messages of a campaign.
type DispatchJob struct {
	JobID      string    `json:"job_id"`
	CampaignID int       `json:"campaign_id"`
	TenantID   int       `json:"tenant_id"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewDispatchJob(campaignID, tenantID int, reason string) DispatchJob {
	return DispatchJob{
		JobID:      uuid.NewString(),
		CampaignID: campaignID,
		TenantID:   tenantID,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
}

// PublishDispatch encodes job and publishes it on TopicCampaignDispatch.
func PublishDispatch(ctx context.Context, q Queue, job DispatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode dispatch job: %w", err)
	}
	return q.Publish(ctx, TopicCampaignDispatch, payload)
}

func DecodeDispatchJob(payload []byte) (DispatchJob, error) {
	var job DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, fmt.Errorf("decode dispatch job: %w", err)
	}
	if job.CampaignID <= 0 || job.TenantID <= 0 {
		return job, fmt.Errorf("dispatch job %s: missing campaign or tenant", job.JobID)
	}
	return job, nil
}

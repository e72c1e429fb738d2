// Package campaign promotes due campaigns into the dispatch queue and sends
// their targets one job at a time.
package campaign

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
)

// Job is one (campaign, recipient) pair on the dispatch queue.
type Job struct {
	CampaignID string `json:"campaignId"`
	ContactID  string `json:"contactId"`
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, apperr.Wrap(err, apperr.CodeInvalidInput, "malformed dispatch job")
	}
	if job.CampaignID == "" || job.ContactID == "" {
		return Job{}, apperr.New(apperr.CodeInvalidInput, "dispatch job needs campaignId and contactId")
	}
	return job, nil
}

func (j Job) encode() []byte {
	body, _ := json.Marshal(j)
	return body
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

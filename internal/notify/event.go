package notify

import "time"

const (
	TypeCampaignStatusChanged = "campaign.status_changed"
	TypeCampaignSubmitted     = "campaign.submitted"
	SchemaVersion             = "v1"
)

// Event is the message published on the campaign topic.
type Event struct {
	Type         string            `json:"type"`
	Version      string            `json:"version"`
	At           string            `json:"at"` // RFC3339Nano
	CampaignID   string            `json:"campaign_id"`
	TaskID       string            `json:"task_id"`
	Status       string            `json:"status"`
	Recipients   int               `json:"recipients,omitempty"`
	Sent         int               `json:"sent"`
	Failed       int               `json:"failed"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewEvent(typ, campaignID, taskID, status string) Event {
	return Event{
		Type:       typ,
		Version:    SchemaVersion,
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		CampaignID: campaignID,
		TaskID:     taskID,
		Status:     status,
	}
}

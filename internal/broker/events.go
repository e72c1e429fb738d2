package broker

import (
	"context"
	"time"
)

// Event types published on the event exchange.
const (
	EventNumbersStatus  = "numbers.status"
	EventCommandDenied  = "command.denied"
	EventCommandFailed  = "command.failed"
	EventMessageStatus  = "message.status"
	EventCampaignStatus = "campaign.status"
	EventAutoReplyFired = "autoreply.fired"
)

// Event is a lifecycle/status notification for external observers.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// NumbersStatus is the payload of numbers.status events.
type NumbersStatus struct {
	AccountID string `json:"waAccountId"`
	Status    string `json:"status"`
	QR        string `json:"qr,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// MessageStatus is the payload of message.status events.
type MessageStatus struct {
	MessageID         string `json:"messageId"`
	AccountID         string `json:"waAccountId"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

// CommandOutcome is the payload of command.denied and command.failed events.
type CommandOutcome struct {
	Type      string `json:"type"`
	AccountID string `json:"waAccountId,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason"`
}

// CampaignStatus is the payload of campaign.status events.
type CampaignStatus struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
}

// AutoReplyFired is the payload of autoreply.fired events.
type AutoReplyFired struct {
	RuleID    string `json:"ruleId"`
	AccountID string `json:"waAccountId"`
	RemoteID  string `json:"remoteId"`
	Actions   int    `json:"actions"`
}

// Publisher publishes events to observers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Queue appends a message body to a named work queue.
type Queue interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
}

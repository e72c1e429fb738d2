// Package store provides relational persistence for the gateway core.
package store

import (
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// Account statuses persisted on Account.Status.
const (
	AccountDisconnected = "DISCONNECTED"
	AccountQRReady      = "QR_READY"
	AccountConnected    = "CONNECTED"
)

// Account represents one managed messaging identity.
type Account struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Label       string         `json:"label"`
	Status      string         `json:"status"`
	LastSeenAt  *time.Time     `json:"last_seen_at,omitempty"`
	Settings    map[string]any `json:"settings"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SettingNeedsPairing marks an account whose credentials were reset.
const SettingNeedsPairing = "needsPairing"

// NeedsPairing reports whether the account waits for a fresh pairing.
func (a *Account) NeedsPairing() bool {
	v, _ := a.Settings[SettingNeedsPairing].(bool)
	return v
}

// Pattern types for auto-reply rules.
const (
	PatternKeyword  = "KEYWORD"
	PatternContains = "CONTAINS"
	PatternRegex    = "REGEX"
)

// Reply modes for auto-reply rules.
const (
	ReplyStatic  = "STATIC"
	ReplyWebhook = "WEBHOOK"
)

// AutoReplyRule is a workspace-scoped, optionally account-scoped, reply rule.
type AutoReplyRule struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	AccountID       string    `json:"account_id,omitempty"` // empty applies to all accounts
	Name            string    `json:"name"`
	Active          bool      `json:"active"`
	Priority        int       `json:"priority"`
	PatternType     string    `json:"pattern_type"`
	PatternValue    string    `json:"pattern_value"`
	ReplyMode       string    `json:"reply_mode"`
	ReplyText       string    `json:"reply_text,omitempty"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
	WebhookSecret   string    `json:"-"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	WindowStart     string    `json:"window_start,omitempty"` // HH:MM
	WindowEnd       string    `json:"window_end,omitempty"`   // HH:MM
	WindowDays      []int     `json:"window_days,omitempty"`  // 0 = Sunday
	Timezone        string    `json:"timezone,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasWindow reports whether the rule is gated by a time window.
func (r *AutoReplyRule) HasWindow() bool {
	return r.WindowStart != "" && r.WindowEnd != ""
}

// Campaign statuses.
const (
	CampaignDraft      = "DRAFT"
	CampaignScheduled  = "SCHEDULED"
	CampaignProcessing = "PROCESSING"
	CampaignPaused     = "PAUSED"
	CampaignCanceled   = "CANCELED"
	CampaignCompleted  = "COMPLETED"
)

// Campaign is a workspace-scoped bulk-send job.
type Campaign struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	AccountID   string     `json:"account_id,omitempty"` // fixed sending account
	Message     string     `json:"message"`
	ScheduleAt  *time.Time `json:"schedule_at,omitempty"`
	TargetTags  []string   `json:"target_tags"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Campaign target statuses.
const (
	TargetQueued   = "QUEUED"
	TargetSent     = "SENT"
	TargetFailed   = "FAILED"
	TargetCanceled = "CANCELED"
)

// CampaignTarget is one (campaign, recipient) pairing.
type CampaignTarget struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	ContactID  string     `json:"contact_id"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	LastTryAt  *time.Time `json:"last_try_at,omitempty"`
}

// TargetStats holds per-status target counts for a campaign.
type TargetStats struct {
	Total    int `json:"total"`
	Queued   int `json:"queued"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}

// Contact is a campaign recipient.
type Contact struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message statuses.
const (
	MessageQueued = "QUEUED"
	MessageSent   = "SENT"
	MessageFailed = "FAILED"
)

// Message sources.
const (
	SourceCommand   = "command"
	SourceCampaign  = "campaign"
	SourceAutoReply = "autoreply"
)

// Message is an outbound message record.
type Message struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	Recipient         string    `json:"recipient"`
	Body              string    `json:"body"`
	Source            string    `json:"source"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ErrorDetail       string    `json:"error_detail,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AuditEntry records a denied or notable command.
type AuditEntry struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	TargetID    string    `json:"target_id"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transition represents a session state machine transition record.
type Transition struct {
	ID        int64       `json:"id"`
	AccountID string      `json:"account_id"`
	FromState state.State `json:"from_state"`
	ToState   state.State `json:"to_state"`
	Trigger   string      `json:"trigger"`
	Timestamp time.Time   `json:"timestamp"`
}

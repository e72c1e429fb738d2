package store

import (
	"context"
	"errors"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// AccountRepository defines operations for account persistence.
type AccountRepository interface {
	Upsert(ctx context.Context, acc *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	WorkspaceOf(ctx context.Context, id string) (string, error)
	UpdateStatus(ctx context.Context, id, status string, lastSeen time.Time) error
	SetSetting(ctx context.Context, id, key string, value any) error
	ListConnected(ctx context.Context, workspaceID string) ([]Account, error)
	List(ctx context.Context) ([]Account, error)
}

// AutoReplyRuleRepository defines read operations for auto-reply rules.
type AutoReplyRuleRepository interface {
	Upsert(ctx context.Context, rule *AutoReplyRule) error
	ListActive(ctx context.Context, workspaceID, accountID string) ([]AutoReplyRule, error)
}

// CampaignRepository defines operations for campaigns and their targets.
type CampaignRepository interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id string) (*Campaign, error)
	ListDue(ctx context.Context, now time.Time) ([]Campaign, error)
	ListCanceledWithQueued(ctx context.Context) ([]string, error)
	Transition(ctx context.Context, id, from, to string) (bool, error)
	CountTargets(ctx context.Context, campaignID string) (int, error)
	AddTargets(ctx context.Context, campaignID string, contactIDs []string) (int, error)
	QueuedContactIDs(ctx context.Context, campaignID string) ([]string, error)
	GetTarget(ctx context.Context, campaignID, contactID string) (*CampaignTarget, error)
	FinishTarget(ctx context.Context, campaignID, contactID, status, lastErr string) (bool, error)
	CancelQueuedTargets(ctx context.Context, campaignID string) (int64, error)
	CompleteIfDrained(ctx context.Context, campaignID string) (bool, error)
	Stats(ctx context.Context, campaignID string) (TargetStats, error)
}

// ContactRepository defines operations for contact persistence.
type ContactRepository interface {
	Upsert(ctx context.Context, c *Contact) error
	Get(ctx context.Context, id string) (*Contact, error)
	IDsByTags(ctx context.Context, workspaceID string, tags []string) ([]string, error)
}

// MessageRepository defines operations for outbound message records.
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	MarkSent(ctx context.Context, id, providerID string) error
	MarkFailed(ctx context.Context, id, code, detail string) error
}

// AuditRepository defines operations for the audit log.
type AuditRepository interface {
	Record(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, workspaceID string, limit int) ([]AuditEntry, error)
}

// TransitionRepository records session lifecycle transitions.
type TransitionRepository interface {
	LogTransition(ctx context.Context, accountID string, from, to state.State, trigger string) error
	History(ctx context.Context, accountID string, limit int) ([]Transition, error)
}

package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/tracing"
)

// Sender transmits through the session supervisor.
type Sender interface {
	SendMessage(ctx context.Context, accountID, recipient, text, correlationID string) (string, error)
	IsActive(accountID string) bool
}

// Loads tracks per-account in-flight sends and send slots in the shared store.
type Loads interface {
	AcquireLoad(ctx context.Context, accountID string) (int64, error)
	ReleaseLoad(ctx context.Context, accountID string) (int64, error)
	Loads(ctx context.Context, accountIDs []string) ([]int64, error)
	ReserveSendSlot(ctx context.Context, accountID string, interval time.Duration) (time.Duration, error)
	MarkSent(ctx context.Context, accountID string, interval time.Duration) error
}

// Consumer delivers queue messages to a handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler broker.Handler) error
}

// Outcome says what happened to one job.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
	OutcomeRequeued Outcome = "requeued"
	OutcomeDropped  Outcome = "dropped"
)

// DispatchOptions tunes the dispatcher.
type DispatchOptions struct {
	QueueName             string
	MinSendInterval       time.Duration
	PauseRequeueDelay     time.Duration
	NoAccountRequeueDelay time.Duration
}

// DispatchOptionsFromConfig picks the dispatcher settings out of cfg.
func DispatchOptionsFromConfig(cfg *config.Config) DispatchOptions {
	return DispatchOptions{
		QueueName:             cfg.DispatchQueue,
		MinSendInterval:       cfg.MinSendInterval,
		PauseRequeueDelay:     cfg.PauseRequeueDelay,
		NoAccountRequeueDelay: cfg.NoAccountRequeueDelay,
	}
}

// DispatchDeps are the collaborators a Dispatcher uses.
type DispatchDeps struct {
	Campaigns store.CampaignRepository
	Contacts  store.ContactRepository
	Accounts  store.AccountRepository
	Messages  store.MessageRepository
	Sender    Sender
	Loads     Loads
	Queue     broker.Queue
	Events    broker.Publisher
}

// Dispatcher sends campaign targets.
type Dispatcher struct {
	deps  DispatchDeps
	opts  DispatchOptions
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

func NewDispatcher(deps DispatchDeps, opts DispatchOptions, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		deps:  deps,
		opts:  opts,
		sleep: sleep,
		log:   log.With("component", "dispatcher"),
	}
}

// Run consumes the dispatch queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, consumer Consumer) error {
	d.log.Info("campaign dispatcher consuming", "queue", d.opts.QueueName)
	return consumer.Consume(ctx, d.opts.QueueName, d.Handle)
}

// Handle processes one job body. Malformed jobs and panics are logged and
// the job dropped.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch handler panicked", "panic", r)
		}
	}()

	job, err := decodeJob(body)
	if err != nil {
		d.log.Warn("dropping malformed job", "error", err)
		return
	}
	if _, err := d.Process(ctx, job); err != nil {
		d.log.Error("dispatch job abandoned", "campaign_id", job.CampaignID, "contact_id", job.ContactID, "error", err)
	}
}

// Process runs one job to a decision.
func (d *Dispatcher) Process(ctx context.Context, job Job) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "campaign.dispatch",
		attribute.String("campaign.id", job.CampaignID),
		attribute.String("contact.id", job.ContactID),
	)
	defer span.End()

	outcome, err := d.process(ctx, job)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	span.SetAttributes(attribute.String("dispatch.outcome", string(outcome)))
	return outcome, err
}

func (d *Dispatcher) process(ctx context.Context, job Job) (Outcome, error) {
	log := d.log.With("campaign_id", job.CampaignID, "contact_id", job.ContactID)

	c, err := d.deps.Campaigns.Get(ctx, job.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("campaign gone, dropping job")
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeDropped, fmt.Errorf("load campaign: %w", err)
	}

	switch c.Status {
	case store.CampaignPaused:
		return d.requeueAfter(ctx, job, d.opts.PauseRequeueDelay)
	case store.CampaignCanceled:
		if _, err := d.deps.Campaigns.FinishTarget(ctx, c.ID, job.ContactID, store.TargetCanceled, "campaign canceled"); err != nil {
			return OutcomeDropped, fmt.Errorf("cancel target: %w", err)
		}
		return OutcomeCanceled, nil
	case store.CampaignProcessing:
	default:
		log.Debug("campaign not processing, dropping stale job", "status", c.Status)
		return OutcomeDropped, nil
	}

	target, err := d.deps.Campaigns.GetTarget(ctx, c.ID, job.ContactID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeDropped, fmt.Errorf("load target: %w", err)
	}
	if target.Status != store.TargetQueued {
		log.Debug("target already decided, dropping duplicate job", "status", target.Status)
		return OutcomeDropped, nil
	}

	contact, err := d.deps.Contacts.Get(ctx, job.ContactID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("contact missing, failing target")
		return d.finish(ctx, c, job, store.TargetFailed, "contact not found")
	}
	if err != nil {
		return OutcomeDropped, fmt.Errorf("load contact: %w", err)
	}

	accountID := c.AccountID
	if accountID != "" && !d.deps.Sender.IsActive(accountID) {
		log.Info("campaign account has no session, requeueing", "account_id", accountID)
		return d.requeueAfter(ctx, job, d.opts.NoAccountRequeueDelay)
	}
	if accountID == "" {
		accountID, err = d.leastLoaded(ctx, c.WorkspaceID)
		if err != nil {
			return OutcomeDropped, err
		}
		if accountID == "" {
			log.Info("no connected account, requeueing")
			return d.requeueAfter(ctx, job, d.opts.NoAccountRequeueDelay)
		}
	}
	log = log.With("account_id", accountID)

	wait, err := d.deps.Loads.ReserveSendSlot(ctx, accountID, d.opts.MinSendInterval)
	if err != nil {
		return OutcomeDropped, fmt.Errorf("reserve send slot: %w", err)
	}
	if err := d.sleep(ctx, wait); err != nil {
		return OutcomeDropped, err
	}

	if _, err := d.deps.Loads.AcquireLoad(ctx, accountID); err != nil {
		return OutcomeDropped, fmt.Errorf("acquire load: %w", err)
	}
	sendErr := d.transmit(ctx, c, accountID, contact)
	if err := d.deps.Loads.MarkSent(ctx, accountID, d.opts.MinSendInterval); err != nil {
		log.Warn("failed to mark send time", "error", err)
	}
	d.releaseLoad(log, accountID)

	switch {
	case sendErr == nil:
		return d.finish(ctx, c, job, store.TargetSent, "")
	case apperr.Is(sendErr, apperr.CodeStorage):
		return OutcomeDropped, sendErr
	case apperr.Is(sendErr, apperr.CodeNoActiveSession):
		log.Info("session went away before the send, requeueing")
		return d.requeueAfter(ctx, job, d.opts.NoAccountRequeueDelay)
	default:
		log.Warn("campaign send failed", "error", sendErr)
		return d.finish(ctx, c, job, store.TargetFailed, sendErr.Error())
	}
}

// transmit records the outbound message and hands it to the session.
func (d *Dispatcher) transmit(ctx context.Context, c *store.Campaign, accountID string, contact *store.Contact) error {
	msg := &store.Message{
		AccountID:  accountID,
		Recipient:  contact.Phone,
		Body:       c.Message,
		Source:     store.SourceCampaign,
		CampaignID: c.ID,
	}
	if err := d.deps.Messages.Create(ctx, msg); err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "create message record")
	}
	_, err := d.deps.Sender.SendMessage(ctx, accountID, contact.Phone, c.Message, msg.ID)
	return err
}

func (d *Dispatcher) releaseLoad(log *slog.Logger, accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.deps.Loads.ReleaseLoad(ctx, accountID); err != nil {
		log.Error("failed to release load", "error", err)
	}
}

// finish records the target's terminal status and completes the campaign
// once nothing is left queued.
func (d *Dispatcher) finish(ctx context.Context, c *store.Campaign, job Job, status, lastErr string) (Outcome, error) {
	outcome := OutcomeSent
	if status == store.TargetFailed {
		outcome = OutcomeFailed
	}

	if _, err := d.deps.Campaigns.FinishTarget(ctx, c.ID, job.ContactID, status, lastErr); err != nil {
		return outcome, fmt.Errorf("record target status: %w", err)
	}

	completed, err := d.deps.Campaigns.CompleteIfDrained(ctx, c.ID)
	if err != nil {
		return outcome, fmt.Errorf("check completion: %w", err)
	}
	if completed {
		stats, _ := d.deps.Campaigns.Stats(ctx, c.ID)
		d.log.Info("campaign completed", "campaign_id", c.ID, "sent", stats.Sent, "failed", stats.Failed, "canceled", stats.Canceled)
		if err := d.deps.Events.Publish(ctx, broker.NewEvent(broker.EventCampaignStatus, broker.CampaignStatus{
			CampaignID: c.ID,
			Status:     store.CampaignCompleted,
		})); err != nil {
			d.log.Warn("failed to publish event", "type", broker.EventCampaignStatus, "error", err)
		}
	}
	return outcome, nil
}

// requeueAfter waits delay and puts the job back unchanged.
func (d *Dispatcher) requeueAfter(ctx context.Context, job Job, delay time.Duration) (Outcome, error) {
	if err := d.sleep(ctx, delay); err != nil {
		return OutcomeDropped, err
	}
	if err := d.deps.Queue.Enqueue(ctx, d.opts.QueueName, job.encode()); err != nil {
		return OutcomeDropped, fmt.Errorf("requeue job: %w", err)
	}
	return OutcomeRequeued, nil
}

// leastLoaded picks the connected account with the fewest in-flight sends.
// Accounts come in first-seen order and the first minimum wins.
func (d *Dispatcher) leastLoaded(ctx context.Context, workspaceID string) (string, error) {
	accounts, err := d.deps.Accounts.ListConnected(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("list connected accounts: %w", err)
	}

	var ids []string
	for _, acc := range accounts {
		if d.deps.Sender.IsActive(acc.ID) {
			ids = append(ids, acc.ID)
		}
	}
	if len(ids) == 0 {
		return "", nil
	}

	loads, err := d.deps.Loads.Loads(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("read loads: %w", err)
	}
	best := 0
	for i := 1; i < len(ids); i++ {
		if loads[i] < loads[best] {
			best = i
		}
	}
	return ids[best], nil
}

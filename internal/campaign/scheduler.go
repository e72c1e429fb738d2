package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// Scheduler promotes due SCHEDULED campaigns to PROCESSING and enqueues a
// dispatch job per queued target.
type Scheduler struct {
	campaigns store.CampaignRepository
	contacts  store.ContactRepository
	queue     broker.Queue
	events    broker.Publisher
	queueName string
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewScheduler(campaigns store.CampaignRepository, contacts store.ContactRepository, queue broker.Queue, events broker.Publisher, queueName string, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		campaigns: campaigns,
		contacts:  contacts,
		queue:     queue,
		events:    events,
		queueName: queueName,
		interval:  interval,
		now:       time.Now,
		log:       log.With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("campaign scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.reconcileCanceled(ctx)

	due, err := s.campaigns.ListDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to list due campaigns: %w", err)
	}

	for i := range due {
		c := &due[i]
		log := s.log.With("campaign_id", c.ID)

		ok, err := s.campaigns.Transition(ctx, c.ID, store.CampaignScheduled, store.CampaignProcessing)
		if err != nil {
			log.Error("failed to start campaign", "error", err)
			continue
		}
		if !ok {
			// another scheduler got there first
			continue
		}
		s.publishStatus(ctx, c.ID, store.CampaignProcessing)

		if err := s.promote(ctx, c); err != nil {
			log.Error("failed to enqueue campaign, returning it to SCHEDULED", "error", err)
			if _, rbErr := s.campaigns.Transition(ctx, c.ID, store.CampaignProcessing, store.CampaignScheduled); rbErr != nil {
				log.Error("failed to return campaign to SCHEDULED", "error", rbErr)
			}
		}
	}
	return nil
}

func (s *Scheduler) promote(ctx context.Context, c *store.Campaign) error {
	log := s.log.With("campaign_id", c.ID)

	count, err := s.campaigns.CountTargets(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count targets: %w", err)
	}
	if count == 0 {
		ids, err := s.contacts.IDsByTags(ctx, c.WorkspaceID, c.TargetTags)
		if err != nil {
			return fmt.Errorf("resolve target filter: %w", err)
		}
		added, err := s.campaigns.AddTargets(ctx, c.ID, ids)
		if err != nil {
			return fmt.Errorf("materialize targets: %w", err)
		}
		log.Info("targets materialized", "count", added)
	}

	queued, err := s.campaigns.QueuedContactIDs(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list queued targets: %w", err)
	}
	for _, contactID := range queued {
		job := Job{CampaignID: c.ID, ContactID: contactID}
		if err := s.queue.Enqueue(ctx, s.queueName, job.encode()); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
	}

	if len(queued) == 0 {
		completed, err := s.campaigns.CompleteIfDrained(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("complete empty campaign: %w", err)
		}
		if completed {
			log.Info("campaign has no targets, completed")
			s.publishStatus(ctx, c.ID, store.CampaignCompleted)
		}
		return nil
	}

	log.Info("campaign enqueued", "jobs", len(queued))
	return nil
}

// reconcileCanceled flips still-queued targets of canceled campaigns.
func (s *Scheduler) reconcileCanceled(ctx context.Context) {
	ids, err := s.campaigns.ListCanceledWithQueued(ctx)
	if err != nil {
		s.log.Error("failed to list canceled campaigns", "error", err)
		return
	}
	for _, id := range ids {
		n, err := s.campaigns.CancelQueuedTargets(ctx, id)
		if err != nil {
			s.log.Error("failed to cancel queued targets", "campaign_id", id, "error", err)
			continue
		}
		s.log.Info("canceled queued targets", "campaign_id", id, "count", n)
	}
}

func (s *Scheduler) publishStatus(ctx context.Context, campaignID, status string) {
	if err := s.events.Publish(ctx, broker.NewEvent(broker.EventCampaignStatus, broker.CampaignStatus{
		CampaignID: campaignID,
		Status:     status,
	})); err != nil {
		s.log.Warn("failed to publish event", "type", broker.EventCampaignStatus, "error", err)
	}
}

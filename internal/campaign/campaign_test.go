package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker/brokertest"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/kv"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

const dispatchQueue = "wa.campaign.dispatch"

type send struct {
	accountID, recipient string
	at                   time.Time
}

type fakeSender struct {
	mu     sync.Mutex
	active map[string]bool
	sends  []send
	err    error
}

func newFakeSender(active ...string) *fakeSender {
	s := &fakeSender{active: make(map[string]bool)}
	for _, id := range active {
		s.active[id] = true
	}
	return s
}

func (s *fakeSender) SendMessage(ctx context.Context, accountID, recipient, text, correlationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sends = append(s.sends, send{accountID, recipient, time.Now()})
	return "prov", nil
}

func (s *fakeSender) IsActive(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[accountID]
}

type fixture struct {
	db         *store.SQLStore
	kv         *kv.Store
	recorder   *brokertest.Recorder
	sender     *fakeSender
	dispatcher *Dispatcher
	scheduler  *Scheduler
	slept      []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	kvs := kv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{db: db, kv: kvs, recorder: brokertest.NewRecorder(), sender: newFakeSender()}
	f.dispatcher = NewDispatcher(DispatchDeps{
		Campaigns: db.Campaigns,
		Contacts:  db.Contacts,
		Accounts:  db.Accounts,
		Messages:  db.Messages,
		Sender:    f.sender,
		Loads:     kvs,
		Queue:     f.recorder,
		Events:    f.recorder,
	}, DispatchOptions{
		QueueName:             dispatchQueue,
		MinSendInterval:       time.Millisecond,
		PauseRequeueDelay:     2 * time.Second,
		NoAccountRequeueDelay: 5 * time.Second,
	}, log)
	f.dispatcher.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	f.scheduler = NewScheduler(db.Campaigns, db.Contacts, f.recorder, f.recorder, dispatchQueue, time.Second, log)
	return f
}

func (f *fixture) connect(t *testing.T, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, f.db.Accounts.Upsert(ctx, &store.Account{ID: id, WorkspaceID: "ws-1"}))
		require.NoError(t, f.db.Accounts.UpdateStatus(ctx, id, store.AccountConnected, time.Now()))
		f.sender.mu.Lock()
		f.sender.active[id] = true
		f.sender.mu.Unlock()
	}
}

func (f *fixture) contacts(t *testing.T, tags []string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.db.Contacts.Upsert(context.Background(), &store.Contact{ID: id, WorkspaceID: "ws-1", Phone: "62811" + id, Tags: tags}))
	}
}

func (f *fixture) campaign(t *testing.T, c store.Campaign, targets ...string) *store.Campaign {
	t.Helper()
	ctx := context.Background()
	c.WorkspaceID = "ws-1"
	if c.Message == "" {
		c.Message = "promo"
	}
	require.NoError(t, f.db.Campaigns.Create(ctx, &c))
	if len(targets) > 0 {
		_, err := f.db.Campaigns.AddTargets(ctx, c.ID, targets)
		require.NoError(t, err)
	}
	return &c
}

func (f *fixture) targetStatus(t *testing.T, campaignID, contactID string) string {
	t.Helper()
	target, err := f.db.Campaigns.GetTarget(context.Background(), campaignID, contactID)
	require.NoError(t, err)
	return target.Status
}

func (f *fixture) campaignStatus(t *testing.T, id string) string {
	t.Helper()
	c, err := f.db.Campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func jobs(t *testing.T, r *brokertest.Recorder) []Job {
	t.Helper()
	var out []Job
	for _, body := range r.Jobs(dispatchQueue) {
		var j Job
		require.NoError(t, json.Unmarshal(body, &j))
		out = append(out, j)
	}
	return out
}

// Scheduler

func TestScheduler_PromotesDueCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.contacts(t, []string{"vip"}, "c-1", "c-2")
	f.contacts(t, []string{"cold"}, "c-3")

	past := time.Now().Add(-time.Minute)
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignScheduled, ScheduleAt: &past, TargetTags: []string{"vip"}})

	require.NoError(t, f.scheduler.Tick(ctx))

	assert.Equal(t, store.CampaignProcessing, f.campaignStatus(t, c.ID))
	assert.ElementsMatch(t, []Job{{"camp-1", "c-1"}, {"camp-1", "c-2"}}, jobs(t, f.recorder))

	// a second tick finds nothing due
	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Len(t, jobs(t, f.recorder), 2)
}

func TestScheduler_KeepsExistingTargets(t *testing.T) {
	f := newFixture(t)
	f.contacts(t, []string{"vip"}, "c-1", "c-2")
	past := time.Now().Add(-time.Minute)
	f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignScheduled, ScheduleAt: &past, TargetTags: []string{"vip"}}, "c-1")

	require.NoError(t, f.scheduler.Tick(context.Background()))
	assert.Equal(t, []Job{{"camp-1", "c-1"}}, jobs(t, f.recorder))
}

func TestScheduler_EmptyCampaignCompletes(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignScheduled, ScheduleAt: &past, TargetTags: []string{"nobody"}})

	require.NoError(t, f.scheduler.Tick(context.Background()))

	assert.Equal(t, store.CampaignCompleted, f.campaignStatus(t, "camp-1"))
	assert.Empty(t, jobs(t, f.recorder))

	statuses := f.recorder.EventsOfType(broker.EventCampaignStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, broker.CampaignStatus{CampaignID: "camp-1", Status: store.CampaignCompleted}, statuses[1].Payload)
}

func TestScheduler_EnqueueFailureReturnsToScheduled(t *testing.T) {
	f := newFixture(t)
	f.contacts(t, nil, "c-1")
	past := time.Now().Add(-time.Minute)
	f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignScheduled, ScheduleAt: &past}, "c-1")

	f.recorder.Err = errors.New("broker down")
	require.NoError(t, f.scheduler.Tick(context.Background()))
	assert.Equal(t, store.CampaignScheduled, f.campaignStatus(t, "camp-1"))

	f.recorder.Err = nil
	require.NoError(t, f.scheduler.Tick(context.Background()))
	assert.Equal(t, store.CampaignProcessing, f.campaignStatus(t, "camp-1"))
	assert.Len(t, jobs(t, f.recorder), 1)
}

func TestScheduler_ReconcilesCanceled(t *testing.T) {
	f := newFixture(t)
	f.contacts(t, nil, "c-1", "c-2")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignCanceled}, "c-1", "c-2")

	require.NoError(t, f.scheduler.Tick(context.Background()))

	assert.Equal(t, store.TargetCanceled, f.targetStatus(t, c.ID, "c-1"))
	assert.Equal(t, store.TargetCanceled, f.targetStatus(t, c.ID, "c-2"))
}

// Dispatcher

func TestDispatcher_SendsAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1", "c-2")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing}, "c-1", "c-2")

	outcome, err := f.dispatcher.Process(ctx, Job{c.ID, "c-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, store.CampaignProcessing, f.campaignStatus(t, c.ID))

	outcome, err = f.dispatcher.Process(ctx, Job{c.ID, "c-2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, store.CampaignCompleted, f.campaignStatus(t, c.ID))

	target, err := f.db.Campaigns.GetTarget(ctx, c.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.TargetSent, target.Status)
	assert.Equal(t, 1, target.Attempts)

	require.Len(t, f.sender.sends, 2)
	assert.Equal(t, "62811c-1", f.sender.sends[0].recipient)

	// a redelivered job after completion changes nothing
	outcome, err = f.dispatcher.Process(ctx, Job{c.ID, "c-2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Len(t, f.recorder.EventsOfType(broker.EventCampaignStatus), 1)

	loads, err := f.kv.Loads(ctx, []string{"acc-1"})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, loads)
}

func TestDispatcher_PausedIsRequeuedUnchanged(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignPaused}, "c-1")

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "c-1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, []Job{{c.ID, "c-1"}}, jobs(t, f.recorder))
	assert.Equal(t, []time.Duration{2 * time.Second}, f.slept)
	assert.Equal(t, store.TargetQueued, f.targetStatus(t, c.ID, "c-1"))
	assert.Empty(t, f.sender.sends)
}

func TestDispatcher_CanceledMarksTarget(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignCanceled}, "c-1")

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "c-1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCanceled, outcome)
	assert.Equal(t, store.TargetCanceled, f.targetStatus(t, c.ID, "c-1"))
	assert.Empty(t, f.sender.sends)
}

func TestDispatcher_StaleJobsDropped(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1")
	draft := f.campaign(t, store.Campaign{ID: "camp-draft", Status: store.CampaignDraft}, "c-1")

	for _, job := range []Job{{draft.ID, "c-1"}, {"missing", "c-1"}} {
		outcome, err := f.dispatcher.Process(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDropped, outcome)
	}
	assert.Empty(t, f.sender.sends)
}

func TestDispatcher_MissingContactFailsTarget(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing}, "ghost")

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, store.CampaignCompleted, f.campaignStatus(t, c.ID))
}

func TestDispatcher_NoAccountRequeues(t *testing.T) {
	f := newFixture(t)
	f.contacts(t, nil, "c-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing}, "c-1")

	// connected in the store but without a session in this process
	require.NoError(t, f.db.Accounts.Upsert(context.Background(), &store.Account{ID: "acc-1", WorkspaceID: "ws-1"}))
	require.NoError(t, f.db.Accounts.UpdateStatus(context.Background(), "acc-1", store.AccountConnected, time.Now()))

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "c-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.slept)
	assert.Equal(t, []Job{{c.ID, "c-1"}}, jobs(t, f.recorder))
}

func TestDispatcher_PicksLeastLoaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "acc-1", "acc-2", "acc-3")
	f.contacts(t, nil, "c-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing}, "c-1")

	_, err := f.kv.AcquireLoad(ctx, "acc-1")
	require.NoError(t, err)

	outcome, err := f.dispatcher.Process(ctx, Job{c.ID, "c-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	require.Len(t, f.sender.sends, 1)
	// acc-2 and acc-3 tie; first seen wins
	assert.Equal(t, "acc-2", f.sender.sends[0].accountID)
}

func TestDispatcher_FixedAccountWithoutSessionRequeues(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-2")
	f.contacts(t, nil, "c-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing, AccountID: "acc-1"}, "c-1")

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "c-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.slept)
	assert.Equal(t, []Job{{c.ID, "c-1"}}, jobs(t, f.recorder))
	assert.Equal(t, store.TargetQueued, f.targetStatus(t, c.ID, "c-1"))
	assert.Equal(t, store.CampaignProcessing, f.campaignStatus(t, c.ID))
	// the campaign never falls back to another account
	assert.Empty(t, f.sender.sends)
}

func TestDispatcher_SessionLostDuringSendRequeues(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1")
	f.sender.err = apperr.New(apperr.CodeNoActiveSession, "no active session for acc-1")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing, AccountID: "acc-1"}, "c-1")

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "c-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Contains(t, f.slept, 5*time.Second)
	assert.Equal(t, []Job{{c.ID, "c-1"}}, jobs(t, f.recorder))
	assert.Equal(t, store.TargetQueued, f.targetStatus(t, c.ID, "c-1"))

	loads, err := f.kv.Loads(context.Background(), []string{"acc-1"})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, loads)
}

func TestDispatcher_SendErrorFailsTarget(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1")
	f.sender.err = errors.New("recipient not on whatsapp")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing}, "c-1")

	outcome, err := f.dispatcher.Process(context.Background(), Job{c.ID, "c-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	target, err := f.db.Campaigns.GetTarget(context.Background(), c.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.TargetFailed, target.Status)
	assert.Contains(t, target.LastError, "not on whatsapp")
	assert.Empty(t, jobs(t, f.recorder))
}

func TestDispatcher_ThrottlesPerAccount(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.sleep = sleep
	f.dispatcher.opts.MinSendInterval = 100 * time.Millisecond
	f.connect(t, "acc-1")
	f.contacts(t, nil, "c-1", "c-2", "c-3")
	c := f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignProcessing}, "c-1", "c-2", "c-3")

	for _, contact := range []string{"c-1", "c-2", "c-3"} {
		_, err := f.dispatcher.Process(context.Background(), Job{c.ID, contact})
		require.NoError(t, err)
	}

	require.Len(t, f.sender.sends, 3)
	for i := 1; i < 3; i++ {
		gap := f.sender.sends[i].at.Sub(f.sender.sends[i-1].at)
		assert.GreaterOrEqual(t, gap, 100*time.Millisecond, "send %d came %s after the previous one", i, gap)
	}
}

func TestDispatcher_HandleDropsMalformed(t *testing.T) {
	f := newFixture(t)

	assert.NotPanics(t, func() {
		f.dispatcher.Handle(context.Background(), []byte(`{nope`))
		f.dispatcher.Handle(context.Background(), []byte(`{"campaignId":"x"}`))
	})
	assert.Empty(t, jobs(t, f.recorder))
}

type sliceConsumer struct {
	bodies [][]byte
}

func (c *sliceConsumer) Consume(ctx context.Context, queue string, handler broker.Handler) error {
	for _, b := range c.bodies {
		handler(ctx, b)
	}
	return nil
}

func TestDispatcher_RunDrainsScheduledJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "acc-1")
	f.contacts(t, []string{"vip"}, "c-1", "c-2")
	past := time.Now().Add(-time.Minute)
	f.campaign(t, store.Campaign{ID: "camp-1", Status: store.CampaignScheduled, ScheduleAt: &past, TargetTags: []string{"vip"}})

	require.NoError(t, f.scheduler.Tick(ctx))
	require.NoError(t, f.dispatcher.Run(ctx, &sliceConsumer{bodies: f.recorder.Jobs(dispatchQueue)}))

	assert.Equal(t, store.CampaignCompleted, f.campaignStatus(t, "camp-1"))
	stats, err := f.db.Campaigns.Stats(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, store.TargetStats{Total: 2, Sent: 2}, stats)
}

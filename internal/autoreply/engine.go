// Package autoreply evaluates workspace reply rules against inbound messages
// and sends the first matching rule's replies.
package autoreply

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/kv"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/tracing"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/whatsapp"
)

// Counters is the shared counter service backing cooldowns and sender caps.
type Counters interface {
	Count(ctx context.Context, key string) (int64, error)
	IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
	Marked(ctx context.Context, key string) (bool, error)
}

// Sender transmits a reply through the account's session.
type Sender interface {
	SendMessage(ctx context.Context, accountID, recipient, text, correlationID string) (string, error)
}

// Webhook resolves a WEBHOOK rule into reply texts.
type Webhook interface {
	Call(ctx context.Context, rule *store.AutoReplyRule, msg *whatsapp.InboundMessage) []string
}

// Options bounds rule evaluation.
type Options struct {
	SenderLimit      int
	SenderWindow     time.Duration
	DefaultLocation  *time.Location
	MaxPatternLength int
}

// OptionsFromConfig picks the engine settings out of cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return Options{}, err
	}
	return Options{
		SenderLimit:      cfg.SenderLimit,
		SenderWindow:     cfg.SenderWindow,
		DefaultLocation:  loc,
		MaxPatternLength: cfg.RegexMaxPatternLength,
	}, nil
}

// Deps are the collaborators an Engine uses.
type Deps struct {
	Accounts store.AccountRepository
	Rules    store.AutoReplyRuleRepository
	Messages store.MessageRepository
	Counters Counters
	Sender   Sender
	Webhook  Webhook
	Events   broker.Publisher
}

// Engine runs the reply rules.
type Engine struct {
	deps    Deps
	opts    Options
	matcher *Matcher
	now     func() time.Time
	log     *slog.Logger
}

func New(deps Deps, opts Options, log *slog.Logger) *Engine {
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	return &Engine{
		deps:    deps,
		opts:    opts,
		matcher: NewMatcher(opts.MaxPatternLength),
		now:     time.Now,
		log:     log.With("component", "autoreply"),
	}
}

// HandleInbound evaluates msg; failures are logged and the message dropped.
func (e *Engine) HandleInbound(ctx context.Context, msg *whatsapp.InboundMessage) {
	e.Evaluate(ctx, msg)
}

// Evaluate runs the rules for msg in priority order and returns how many
// replies were sent. At most one rule fires.
func (e *Engine) Evaluate(ctx context.Context, msg *whatsapp.InboundMessage) int {
	ctx, span := tracing.StartSpan(ctx, "autoreply.evaluate", attribute.String("account.id", msg.AccountID))
	defer span.End()

	log := e.log.With("account_id", msg.AccountID, "remote_id", whatsapp.Mask(msg.RemoteID))

	ws, err := e.deps.Accounts.WorkspaceOf(ctx, msg.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		log.Error("failed to resolve workspace", "error", err)
		return 0
	}

	rules, err := e.deps.Rules.ListActive(ctx, ws, msg.AccountID)
	if err != nil {
		tracing.RecordError(ctx, err)
		log.Error("failed to load rules", "error", err)
		return 0
	}

	sender := msg.RemoteID
	if msg.Participant != "" {
		sender = msg.Participant
	}
	now := e.now()

	for i := range rules {
		rule := &rules[i]
		rlog := log.With("rule_id", rule.ID)

		inWindow, err := InWindow(rule, now, e.opts.DefaultLocation)
		if err != nil {
			rlog.Warn("invalid rule window", "error", err)
			continue
		}
		if !inWindow {
			continue
		}

		matched, err := e.matcher.Match(rule, msg.Text)
		if err != nil {
			rlog.Warn("invalid rule pattern", "error", err)
			continue
		}
		if !matched {
			continue
		}

		if rule.CooldownSeconds > 0 {
			cooling, err := e.deps.Counters.Marked(ctx, kv.CooldownKey(rule.ID, sender))
			if err != nil {
				rlog.Error("failed to read cooldown", "error", err)
				return 0
			}
			if cooling {
				rlog.Debug("rule cooling down for sender")
				continue
			}
		}

		senderKey := kv.SenderKey(msg.AccountID, sender)
		count, err := e.deps.Counters.Count(ctx, senderKey)
		if err != nil {
			rlog.Error("failed to read sender counter", "error", err)
			return 0
		}
		if count >= int64(e.opts.SenderLimit) {
			rlog.Info("sender reached auto-reply limit", "count", count)
			return 0
		}

		var replies []string
		switch rule.ReplyMode {
		case store.ReplyStatic:
			if rule.ReplyText != "" {
				replies = []string{rule.ReplyText}
			}
		case store.ReplyWebhook:
			replies = e.deps.Webhook.Call(ctx, rule, msg)
		}
		if len(replies) == 0 {
			continue
		}

		// one slot per fired rule, however many texts it sends
		if _, err := e.deps.Counters.IncrementWithExpiry(ctx, senderKey, e.opts.SenderWindow); err != nil {
			rlog.Error("failed to bump sender counter", "error", err)
			return 0
		}
		sent := e.reply(ctx, rule, msg, replies)

		if rule.CooldownSeconds > 0 {
			ttl := time.Duration(rule.CooldownSeconds) * time.Second
			if err := e.deps.Counters.Mark(ctx, kv.CooldownKey(rule.ID, sender), ttl); err != nil {
				rlog.Warn("failed to set cooldown", "error", err)
			}
		}

		e.publish(ctx, broker.NewEvent(broker.EventAutoReplyFired, broker.AutoReplyFired{
			RuleID:    rule.ID,
			AccountID: msg.AccountID,
			RemoteID:  msg.RemoteID,
			Actions:   len(replies),
		}))
		rlog.Info("auto-reply fired", "replies", len(replies), "sent", sent)
		return sent
	}
	return 0
}

// reply records and sends each text, returning how many went out.
func (e *Engine) reply(ctx context.Context, rule *store.AutoReplyRule, msg *whatsapp.InboundMessage, texts []string) int {
	sent := 0
	for _, text := range texts {
		record := &store.Message{
			AccountID: msg.AccountID,
			Recipient: msg.RemoteID,
			Body:      text,
			Source:    store.SourceAutoReply,
		}
		if err := e.deps.Messages.Create(ctx, record); err != nil {
			e.log.Error("failed to create message record", "rule_id", rule.ID, "error", err)
			continue
		}
		if _, err := e.deps.Sender.SendMessage(ctx, msg.AccountID, msg.RemoteID, text, record.ID); err != nil {
			continue
		}
		sent++
	}
	return sent
}

func (e *Engine) publish(ctx context.Context, evt broker.Event) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, evt); err != nil {
		e.log.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}

package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/tracing"
)

// Sessions is the slice of the supervisor the bus drives.
type Sessions interface {
	Start(ctx context.Context, accountID string) error
	Stop(ctx context.Context, accountID string) error
	Reconnect(ctx context.Context, accountID string) error
	ResetCredentials(ctx context.Context, accountID string) error
	SendMessage(ctx context.Context, accountID, recipient, text, correlationID string) (string, error)
}

// Consumer delivers queue messages to a handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler broker.Handler) error
}

// Bus authorizes and dispatches commands.
type Bus struct {
	sessions Sessions
	accounts store.AccountRepository
	audit    store.AuditRepository
	messages store.MessageRepository
	events   broker.Publisher
	log      *slog.Logger
}

func New(sessions Sessions, accounts store.AccountRepository, audit store.AuditRepository, messages store.MessageRepository, events broker.Publisher, log *slog.Logger) *Bus {
	return &Bus{
		sessions: sessions,
		accounts: accounts,
		audit:    audit,
		messages: messages,
		events:   events,
		log:      log.With("component", "commandbus"),
	}
}

// Run consumes queue until ctx is cancelled. Commands are handled one at a
// time so a single account's commands keep their arrival order.
func (b *Bus) Run(ctx context.Context, consumer Consumer, queue string) error {
	b.log.Info("command bus consuming", "queue", queue)
	return consumer.Consume(ctx, queue, b.Handle)
}

// Handle processes one command body. It never panics and never returns an
// error: every outcome is logged, audited or published.
func (b *Bus) Handle(ctx context.Context, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("command handler panicked", "panic", r)
		}
	}()

	cmd, err := Decode(body)
	if err != nil {
		b.log.Warn("dropping malformed command", "error", err)
		return
	}

	ctx, span := tracing.StartSpan(ctx, "commandbus.handle",
		attribute.String("command.type", cmd.Type),
		attribute.String("account.id", cmd.AccountID),
	)
	defer span.End()

	log := b.log.With("type", cmd.Type, "account_id", cmd.AccountID, "actor", cmd.actor())

	if err := b.Authorize(ctx, cmd); err != nil {
		tracing.RecordError(ctx, err)
		log.Warn("command denied", "reason", err.Error())
		b.deny(ctx, cmd, err)
		return
	}

	if err := b.dispatch(ctx, cmd); err != nil {
		tracing.RecordError(ctx, err)
		log.Error("command failed", "error", err)
		b.publish(ctx, broker.NewEvent(broker.EventCommandFailed, broker.CommandOutcome{
			Type:      cmd.Type,
			AccountID: cmd.AccountID,
			Actor:     cmd.actor(),
			Reason:    err.Error(),
		}))
		return
	}
	log.Info("command handled")
}

// Authorize checks cmd against the permission map and, for commands that
// target an account, the account's workspace.
func (b *Bus) Authorize(ctx context.Context, cmd *Command) error {
	perm, required := RequiredPermission(cmd.Type)
	if !required {
		return nil
	}
	if cmd.Meta == nil || cmd.Meta.WorkspaceID == "" || cmd.Meta.Permissions == nil {
		return apperr.New(apperr.CodeUnauthorized, "missing workspace or permissions")
	}
	if !cmd.Meta.HasPermission(perm) {
		return apperr.Newf(apperr.CodeUnauthorized, "missing permission %s", perm)
	}
	if cmd.AccountID == "" {
		return nil
	}

	ws, err := b.accounts.WorkspaceOf(ctx, cmd.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeUnauthorized, "unknown account %s", cmd.AccountID)
	}
	if err != nil {
		// fail closed
		return apperr.Wrap(err, apperr.CodeUnauthorized, "workspace lookup failed")
	}
	if ws != cmd.Meta.WorkspaceID {
		return apperr.New(apperr.CodeUnauthorized, "account belongs to another workspace")
	}
	if cmd.Type == TypeSendMessage {
		return b.authorizeMessage(ctx, cmd)
	}
	return nil
}

// authorizeMessage checks that a caller-supplied message record belongs to
// the account the command sends from.
func (b *Bus) authorizeMessage(ctx context.Context, cmd *Command) error {
	var ref struct {
		MessageID string `json:"messageId"`
	}
	// a malformed payload fails later in dispatch
	if json.Unmarshal(cmd.Payload, &ref) != nil || ref.MessageID == "" {
		return nil
	}
	msg, err := b.messages.Get(ctx, ref.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeUnauthorized, "unknown message %s", ref.MessageID)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUnauthorized, "message lookup failed")
	}
	if msg.AccountID != cmd.AccountID {
		return apperr.New(apperr.CodeUnauthorized, "message belongs to another account")
	}
	return nil
}

func (b *Bus) deny(ctx context.Context, cmd *Command, reason error) {
	entry := &store.AuditEntry{
		ActorID:  cmd.actor(),
		Action:   "command.denied:" + cmd.Type,
		TargetID: cmd.AccountID,
		Reason:   reason.Error(),
	}
	if cmd.Meta != nil {
		entry.WorkspaceID = cmd.Meta.WorkspaceID
	}
	if err := b.audit.Record(ctx, entry); err != nil {
		b.log.Error("failed to record denial", "type", cmd.Type, "error", err)
	}
	b.publish(ctx, broker.NewEvent(broker.EventCommandDenied, broker.CommandOutcome{
		Type:      cmd.Type,
		AccountID: cmd.AccountID,
		Actor:     cmd.actor(),
		Reason:    reason.Error(),
	}))
}

func (b *Bus) dispatch(ctx context.Context, cmd *Command) error {
	if _, known := RequiredPermission(cmd.Type); !known {
		b.log.Warn("dropping unknown command type", "type", cmd.Type)
		return nil
	}
	if cmd.AccountID == "" {
		return apperr.Newf(apperr.CodeInvalidInput, "%s needs waAccountId", cmd.Type)
	}

	switch cmd.Type {
	case TypeStart:
		return b.sessions.Start(ctx, cmd.AccountID)
	case TypeStop:
		return b.sessions.Stop(ctx, cmd.AccountID)
	case TypeReconnect:
		return b.sessions.Reconnect(ctx, cmd.AccountID)
	case TypeResetCreds:
		return b.sessions.ResetCredentials(ctx, cmd.AccountID)
	case TypeSendMessage:
		return b.send(ctx, cmd)
	}
	return nil
}

func (b *Bus) send(ctx context.Context, cmd *Command) error {
	p, err := cmd.sendPayload()
	if err != nil {
		return err
	}

	correlationID := p.MessageID
	if correlationID == "" {
		msg := &store.Message{
			AccountID: cmd.AccountID,
			Recipient: p.To,
			Body:      p.Text,
			Source:    store.SourceCommand,
		}
		if err := b.messages.Create(ctx, msg); err != nil {
			return fmt.Errorf("failed to create message record: %w", err)
		}
		correlationID = msg.ID
	}

	// the outcome is recorded on the message; the error only feeds command.failed
	_, err = b.sessions.SendMessage(ctx, cmd.AccountID, p.To, p.Text, correlationID)
	return err
}

func (b *Bus) publish(ctx context.Context, evt broker.Event) {
	if err := b.events.Publish(ctx, evt); err != nil {
		b.log.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}

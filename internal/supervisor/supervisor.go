// Package supervisor owns the live protocol sessions of this process: one
// handle per account, started, stopped and reconnected through its API only.
package supervisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/kv"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/sessionstore"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/whatsapp"
)

// Reasons attached to DISCONNECTED status events beyond the protocol's own.
const (
	ReasonStopped     = "stopped"
	ReasonReset       = "reset"
	ReasonLeaseHeld   = "lease_held"
	ReasonLeaseLost   = "lease_lost"
	ReasonDialFailed  = "dial_failed"
	ReasonStorageFail = "storage_error"
	ReasonShutdown    = "shutdown"
)

const opTimeout = 10 * time.Second

// Dialer opens protocol sessions.
type Dialer interface {
	Dial(ctx context.Context, accountID string, creds *sessionstore.Credentials, keys whatsapp.KeyStore, emit func(whatsapp.Event)) (whatsapp.Conn, error)
	Purge(ctx context.Context, creds *sessionstore.Credentials) error
}

// InboundHandler receives repliable inbound messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg *whatsapp.InboundMessage)
}

// Options tunes session behaviour.
type Options struct {
	LeaseTTL           time.Duration
	LeaseRenewInterval time.Duration
	LeasePolicy        string
	ReconnectDelay     time.Duration
	ResetRestartDelay  time.Duration
	QRTTL              time.Duration
	EventBuffer        int
}

// OptionsFromConfig picks the supervisor settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LeaseTTL:           cfg.LeaseTTL,
		LeaseRenewInterval: cfg.LeaseRenewInterval,
		LeasePolicy:        cfg.LeasePolicy,
		ReconnectDelay:     cfg.ReconnectDelay,
		ResetRestartDelay:  cfg.ResetRestartDelay,
		QRTTL:              cfg.QRTTL,
		EventBuffer:        cfg.SessionEventBuffer,
	}
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Dialer      Dialer
	Sessions    *sessionstore.Store
	KV          *kv.Store
	Accounts    store.AccountRepository
	Messages    store.MessageRepository
	Transitions store.TransitionRepository
	Events      broker.Publisher
}

// account is the per-account bookkeeping kept across sessions.
type account struct {
	machine     *state.Machine
	reconnects  int
	connectedAt time.Time
}

// Supervisor holds the account-id to session table.
type Supervisor struct {
	deps  Deps
	opts  Options
	log   *slog.Logger
	token string

	reconnectPolicy backoff.BackOff

	mu       sync.Mutex
	accounts map[string]*account
	sessions map[string]*session
	restarts map[string]*time.Timer
	inbound  InboundHandler
	onQR     func(accountID, code string)
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Supervisor. The lease token identifies this process.
func New(deps Deps, opts Options, log *slog.Logger) *Supervisor {
	host, _ := os.Hostname()
	return &Supervisor{
		deps:            deps,
		opts:            opts,
		log:             log.With("component", "supervisor"),
		token:           host + "/" + uuid.NewString(),
		reconnectPolicy: backoff.NewConstantBackOff(opts.ReconnectDelay),
		accounts:        make(map[string]*account),
		sessions:        make(map[string]*session),
		restarts:        make(map[string]*time.Timer),
	}
}

// SetInboundHandler wires the auto-responder.
func (s *Supervisor) SetInboundHandler(h InboundHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = h
}

// OnQR registers a callback invoked with every fresh pairing code.
func (s *Supervisor) OnQR(fn func(accountID, code string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onQR = fn
}

func (s *Supervisor) accountLocked(accountID string) *account {
	acc, ok := s.accounts[accountID]
	if ok {
		return acc
	}
	acc = &account{machine: state.NewMachine()}
	acc.machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		s.log.Debug("session transition", "account_id", accountID, "from", from, "to", to, "trigger", trigger)
		if s.deps.Transitions == nil {
			return
		}
		if err := s.deps.Transitions.LogTransition(ctx, accountID, from, to, string(trigger)); err != nil {
			s.log.Warn("failed to log transition", "account_id", accountID, "error", err)
		}
	})
	s.accounts[accountID] = acc
	return acc
}

func (s *Supervisor) fire(ctx context.Context, acc *account, accountID string, trigger state.Trigger) {
	if err := acc.machine.Fire(ctx, trigger); err != nil {
		s.log.Warn("invalid session transition", "account_id", accountID, "trigger", trigger, "error", err)
	}
}

// Start opens a session for accountID. Starting an account that already has
// a live handle is a no-op.
func (s *Supervisor) Start(ctx context.Context, accountID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.New(apperr.CodeInternal, "supervisor is shut down")
	}
	if _, live := s.sessions[accountID]; live {
		s.mu.Unlock()
		s.log.Warn("session already live, ignoring start", "account_id", accountID)
		return nil
	}
	s.cancelRestartLocked(accountID)
	acc := s.accountLocked(accountID)
	sess := newSession(accountID, s.opts.EventBuffer)
	// reserve the slot so concurrent starts see a live handle
	s.sessions[accountID] = sess
	s.mu.Unlock()

	if err := s.open(ctx, acc, sess); err != nil {
		s.mu.Lock()
		if s.sessions[accountID] == sess {
			delete(s.sessions, accountID)
		}
		s.mu.Unlock()
		sess.cancel()
		// a Stop that raced the dial waits on done
		close(sess.done)
		return err
	}

	s.mu.Lock()
	if s.sessions[accountID] != sess {
		// stopped while dialing; the stopper releases the lease once done closes
		s.mu.Unlock()
		s.log.Info("session stopped while opening, discarding connection", "account_id", accountID)
		sess.close()
		close(sess.done)
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(acc, sess)
	return nil
}

func (s *Supervisor) open(ctx context.Context, acc *account, sess *session) error {
	log := s.log.With("account_id", sess.accountID)

	owned, err := s.deps.KV.AcquireLease(ctx, sess.accountID, s.token, s.opts.LeaseTTL)
	if err != nil {
		return apperr.WrapRetryable(err, apperr.CodeStorage, "acquire lease")
	}
	if !owned {
		holder, _ := s.deps.KV.LeaseHolder(ctx, sess.accountID)
		if s.opts.LeasePolicy != config.LeasePolicyProceed {
			log.Warn("lease held by another process, refusing start", "holder", holder)
			s.publishStatus(ctx, sess.accountID, store.AccountDisconnected, "", ReasonLeaseHeld)
			return apperr.Newf(apperr.CodeLeaseHeld, "lease for %s held by %s", sess.accountID, holder)
		}
		log.Warn("lease held by another process, proceeding", "holder", holder)
	}
	sess.ownsLease = owned

	creds, err := s.deps.Sessions.Load(ctx, sess.accountID)
	if err != nil {
		s.releaseLease(sess)
		return err
	}
	sess.creds = creds

	s.fire(ctx, acc, sess.accountID, state.TriggerStart)

	conn, err := s.deps.Dialer.Dial(sess.ctx, sess.accountID, creds, s.deps.Sessions.Keys(sess.accountID), sess.emit)
	if err != nil {
		log.Error("failed to open session", "error", err)
		s.releaseLease(sess)
		s.fire(ctx, acc, sess.accountID, state.TriggerClosed)
		status := s.updateStatus(ctx, acc, sess.accountID)
		s.publishStatus(ctx, sess.accountID, status, "", ReasonDialFailed)
		return apperr.WrapRetryable(err, apperr.CodeTransmission, "open session")
	}
	sess.setConn(conn)

	log.Info("session started", "paired", creds.Paired())
	return nil
}

// run drains one session's events and renews its lease until the session ends.
func (s *Supervisor) run(acc *account, sess *session) {
	defer s.wg.Done()
	defer close(sess.done)

	ticker := time.NewTicker(s.opts.LeaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if !s.renewLease(sess) {
				s.endSession(acc, sess, ReasonLeaseLost, "", false)
				return
			}
		case evt := <-sess.events:
			if s.handleEvent(acc, sess, evt) {
				return
			}
		}
	}
}

// handleEvent applies one session event; it reports true when the session ended.
func (s *Supervisor) handleEvent(acc *account, sess *session, evt whatsapp.Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	log := s.log.With("account_id", sess.accountID)

	switch evt.Kind {
	case whatsapp.EventQR:
		s.fire(ctx, acc, sess.accountID, state.TriggerQRIssued)
		if err := s.deps.KV.SetQR(ctx, sess.accountID, evt.QR, s.opts.QRTTL); err != nil {
			log.Warn("failed to cache qr", "error", err)
		}
		status := s.updateStatus(ctx, acc, sess.accountID)
		s.publishStatus(ctx, sess.accountID, status, qrDataURL(evt.QR, log), "")

		s.mu.Lock()
		onQR := s.onQR
		s.mu.Unlock()
		if onQR != nil {
			onQR(sess.accountID, evt.QR)
		}

	case whatsapp.EventPaired:
		s.fire(ctx, acc, sess.accountID, state.TriggerPaired)
		if err := s.deps.KV.ClearQR(ctx, sess.accountID); err != nil {
			log.Warn("failed to clear qr", "error", err)
		}
		if err := s.deps.Accounts.SetSetting(ctx, sess.accountID, store.SettingNeedsPairing, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("failed to clear pairing flag", "error", err)
		}

	case whatsapp.EventCredsUpdate:
		if evt.Creds == nil {
			return false
		}
		if err := s.deps.Sessions.SaveCredentials(ctx, sess.accountID, evt.Creds); err != nil {
			log.Error("failed to persist credentials, closing session", "error", err)
			s.endSession(acc, sess, ReasonStorageFail, err.Error(), false)
			return true
		}
		sess.creds = evt.Creds

	case whatsapp.EventConnected:
		s.fire(ctx, acc, sess.accountID, state.TriggerOpened)
		s.mu.Lock()
		acc.connectedAt = time.Now()
		s.mu.Unlock()
		if err := s.deps.KV.ClearQR(ctx, sess.accountID); err != nil {
			log.Warn("failed to clear qr", "error", err)
		}
		status := s.updateStatus(ctx, acc, sess.accountID)
		s.publishStatus(ctx, sess.accountID, status, "", "")
		log.Info("session connected")

	case whatsapp.EventClosed:
		restart := evt.Reason != whatsapp.ReasonLoggedOut
		s.endSession(acc, sess, evt.Reason, evt.Detail, restart)
		return true

	case whatsapp.EventMessage:
		if evt.Message == nil || !evt.Message.Repliable() {
			return false
		}
		s.mu.Lock()
		h := s.inbound
		s.mu.Unlock()
		if h != nil {
			h.HandleInbound(context.Background(), evt.Message)
		}
	}
	return false
}

// endSession tears down a session closed from inside its own goroutine.
func (s *Supervisor) endSession(acc *account, sess *session, reason, detail string, restart bool) {
	s.mu.Lock()
	if s.sessions[sess.accountID] != sess {
		// already stopped through the API
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.accountID)
	acc.connectedAt = time.Time{}
	s.mu.Unlock()

	sess.close()
	s.releaseLease(sess)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	trigger := state.TriggerClosed
	if reason == whatsapp.ReasonLoggedOut {
		trigger = state.TriggerLoggedOut
	}
	s.fire(ctx, acc, sess.accountID, trigger)

	if err := s.deps.KV.ClearQR(ctx, sess.accountID); err != nil {
		s.log.Warn("failed to clear qr", "account_id", sess.accountID, "error", err)
	}
	status := s.updateStatus(ctx, acc, sess.accountID)
	s.publishStatus(ctx, sess.accountID, status, "", reason)

	s.log.Info("session closed", "account_id", sess.accountID, "reason", reason, "detail", detail, "restart", restart)

	if reason == whatsapp.ReasonLoggedOut {
		// terminal: stays down until an operator acts
		if err := s.deps.Accounts.SetSetting(ctx, sess.accountID, store.SettingNeedsPairing, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("failed to flag account for pairing", "account_id", sess.accountID, "error", err)
		}
		s.fire(ctx, acc, sess.accountID, state.TriggerStop)
		return
	}
	if restart {
		s.scheduleRestart(sess.accountID, s.reconnectPolicy.NextBackOff(), true)
	}
}

// Stop tears down the live session immediately. Stopping an account with no
// live session is a no-op.
func (s *Supervisor) Stop(ctx context.Context, accountID string) error {
	return s.stop(ctx, accountID, ReasonStopped)
}

func (s *Supervisor) stop(ctx context.Context, accountID, reason string) error {
	s.mu.Lock()
	s.cancelRestartLocked(accountID)
	sess, live := s.sessions[accountID]
	if !live {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, accountID)
	acc := s.accountLocked(accountID)
	acc.connectedAt = time.Time{}
	s.mu.Unlock()

	sess.close()
	<-sess.done
	s.releaseLease(sess)

	s.fire(ctx, acc, accountID, state.TriggerStop)
	if err := s.deps.KV.ClearQR(ctx, accountID); err != nil {
		s.log.Warn("failed to clear qr", "account_id", accountID, "error", err)
	}
	status := s.updateStatus(ctx, acc, accountID)
	s.publishStatus(ctx, accountID, status, "", reason)
	s.log.Info("session stopped", "account_id", accountID, "reason", reason)
	return nil
}

// Reconnect restarts the session keeping its credentials.
func (s *Supervisor) Reconnect(ctx context.Context, accountID string) error {
	if err := s.Stop(ctx, accountID); err != nil {
		return err
	}
	s.mu.Lock()
	s.accountLocked(accountID).reconnects++
	s.mu.Unlock()
	return s.Start(ctx, accountID)
}

// ResetCredentials stops the session, deletes its credentials and keys, and
// restarts it shortly after so a fresh pairing code is issued.
func (s *Supervisor) ResetCredentials(ctx context.Context, accountID string) error {
	if err := s.stop(ctx, accountID, ReasonReset); err != nil {
		return err
	}

	has, err := s.deps.Sessions.HasCredentials(ctx, accountID)
	if err != nil {
		return err
	}
	if has {
		creds, err := s.deps.Sessions.Load(ctx, accountID)
		if err != nil {
			return err
		}
		if err := s.deps.Dialer.Purge(ctx, creds); err != nil {
			s.log.Warn("failed to purge device keys", "account_id", accountID, "error", err)
		}
	}
	if err := s.deps.Sessions.Delete(ctx, accountID); err != nil {
		return err
	}

	s.mu.Lock()
	acc := s.accountLocked(accountID)
	s.mu.Unlock()
	status := s.updateStatus(ctx, acc, accountID)
	if err := s.deps.Accounts.SetSetting(ctx, accountID, store.SettingNeedsPairing, true); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("failed to flag account for pairing", "account_id", accountID, "error", err)
	}
	s.publishStatus(ctx, accountID, status, "", ReasonReset)

	s.scheduleRestart(accountID, s.opts.ResetRestartDelay, false)
	return nil
}

func (s *Supervisor) scheduleRestart(accountID string, delay time.Duration, isReconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelRestartLocked(accountID)

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.restarts[accountID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.restarts, accountID)
		if isReconnect {
			s.accountLocked(accountID).reconnects++
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := s.Start(ctx, accountID); err != nil {
			s.log.Error("scheduled restart failed", "account_id", accountID, "error", err)
		}
	})
	s.restarts[accountID] = timer
	s.log.Info("restart scheduled", "account_id", accountID, "delay", delay)
}

func (s *Supervisor) cancelRestartLocked(accountID string) {
	if t, ok := s.restarts[accountID]; ok {
		t.Stop()
		delete(s.restarts, accountID)
	}
}

// SendMessage transmits text through the account's live session and records
// the outcome on the message identified by correlationID, if any. The error
// is returned for the caller's bookkeeping; every outcome is recorded.
func (s *Supervisor) SendMessage(ctx context.Context, accountID, recipient, text, correlationID string) (string, error) {
	s.mu.Lock()
	sess := s.sessions[accountID]
	acc := s.accounts[accountID]
	s.mu.Unlock()

	var conn whatsapp.Conn
	if sess != nil && acc != nil && acc.machine.IsConnected() {
		conn = sess.getConn()
	}
	if conn == nil {
		err := apperr.Newf(apperr.CodeNoActiveSession, "no active session for %s", accountID)
		s.recordFailure(ctx, accountID, correlationID, err)
		return "", err
	}

	providerID, sendErr := conn.Send(ctx, recipient, text)
	if sendErr != nil {
		err := apperr.Wrap(sendErr, apperr.CodeTransmission, "send message")
		s.recordFailure(ctx, accountID, correlationID, err)
		return "", err
	}

	s.log.Info("message sent", "account_id", accountID, "recipient", whatsapp.Mask(recipient), "provider_id", providerID)
	if correlationID != "" {
		if err := s.deps.Messages.MarkSent(ctx, correlationID, providerID); err != nil {
			s.log.Error("failed to mark message sent", "message_id", correlationID, "error", err)
		}
		s.publish(ctx, broker.NewEvent(broker.EventMessageStatus, broker.MessageStatus{
			MessageID: correlationID, AccountID: accountID, Status: store.MessageSent, ProviderMessageID: providerID,
		}))
	}
	return providerID, nil
}

func (s *Supervisor) recordFailure(ctx context.Context, accountID, correlationID string, err error) {
	s.log.Warn("message not sent", "account_id", accountID, "error", err)
	if correlationID == "" {
		return
	}
	if markErr := s.deps.Messages.MarkFailed(ctx, correlationID, string(apperr.CodeOf(err)), err.Error()); markErr != nil {
		s.log.Error("failed to mark message failed", "message_id", correlationID, "error", markErr)
	}
	s.publish(ctx, broker.NewEvent(broker.EventMessageStatus, broker.MessageStatus{
		MessageID: correlationID, AccountID: accountID, Status: store.MessageFailed, Error: err.Error(),
	}))
}

// IsActive reports whether accountID has a connected session in this process.
func (s *Supervisor) IsActive(accountID string) bool {
	s.mu.Lock()
	_, live := s.sessions[accountID]
	acc := s.accounts[accountID]
	s.mu.Unlock()
	return live && acc != nil && acc.machine.IsConnected()
}

// ResumeAll starts every account that has stored credentials and is not
// waiting for a fresh pairing.
func (s *Supervisor) ResumeAll(ctx context.Context) error {
	accounts, err := s.deps.Accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, acc := range accounts {
		if acc.NeedsPairing() {
			continue
		}
		has, err := s.deps.Sessions.HasCredentials(ctx, acc.ID)
		if err != nil {
			s.log.Error("failed to check credentials", "account_id", acc.ID, "error", err)
			continue
		}
		if !has {
			continue
		}
		if err := s.Start(ctx, acc.ID); err != nil {
			s.log.Error("failed to resume session", "account_id", acc.ID, "error", err)
		}
	}
	return nil
}

// Shutdown stops every session and pending restart and waits for the session
// goroutines to exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	for id := range s.restarts {
		s.cancelRestartLocked(id)
	}
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.stop(ctx, id, ReasonShutdown); err != nil {
			s.log.Warn("failed to stop session", "account_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown timed out waiting for sessions")
	}
}

// SessionInfo describes one account known to the supervisor.
type SessionInfo struct {
	AccountID      string      `json:"account_id"`
	State          state.State `json:"state"`
	Live           bool        `json:"live"`
	Reconnects     int         `json:"reconnects"`
	ConnectedSince *time.Time  `json:"connected_since,omitempty"`
}

// Sessions returns a snapshot of every account the supervisor has seen.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.accounts))
	for id, acc := range s.accounts {
		info := SessionInfo{
			AccountID:  id,
			State:      acc.machine.MustState(),
			Reconnects: acc.reconnects,
		}
		_, info.Live = s.sessions[id]
		if !acc.connectedAt.IsZero() {
			t := acc.connectedAt
			info.ConnectedSince = &t
		}
		out = append(out, info)
	}
	return out
}

// State returns the session state for accountID.
func (s *Supervisor) State(accountID string) state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return state.StateIdle
	}
	return acc.machine.MustState()
}

func (s *Supervisor) renewLease(sess *session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !sess.ownsLease {
		// proceeding without the lease; take it over once it frees up
		owned, err := s.deps.KV.AcquireLease(ctx, sess.accountID, s.token, s.opts.LeaseTTL)
		if err == nil && owned {
			sess.ownsLease = true
		}
		return true
	}

	ok, err := s.deps.KV.RenewLease(ctx, sess.accountID, s.token, s.opts.LeaseTTL)
	if err != nil {
		// a store hiccup is not proof of loss; try again next tick
		s.log.Warn("lease renewal failed", "account_id", sess.accountID, "error", err)
		return true
	}
	if !ok {
		s.log.Warn("lease lost to another process", "account_id", sess.accountID)
	}
	return ok
}

func (s *Supervisor) releaseLease(sess *session) {
	if !sess.ownsLease {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := s.deps.KV.ReleaseLease(ctx, sess.accountID, s.token); err != nil {
		s.log.Warn("failed to release lease", "account_id", sess.accountID, "error", err)
	}
	sess.ownsLease = false
}

// updateStatus persists the account status derived from the session state
// and returns it.
func (s *Supervisor) updateStatus(ctx context.Context, acc *account, accountID string) string {
	status := acc.machine.MustState().AccountStatus()
	if err := s.deps.Accounts.UpdateStatus(ctx, accountID, status, time.Now()); err != nil {
		s.log.Warn("failed to update account status", "account_id", accountID, "status", status, "error", err)
	}
	return status
}

func (s *Supervisor) publishStatus(ctx context.Context, accountID, status, qr, reason string) {
	s.publish(ctx, broker.NewEvent(broker.EventNumbersStatus, broker.NumbersStatus{
		AccountID: accountID,
		Status:    status,
		QR:        qr,
		Reason:    reason,
	}))
}

func (s *Supervisor) publish(ctx context.Context, evt broker.Event) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Publish(ctx, evt); err != nil {
		s.log.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}

// qrDataURL renders a pairing code as a PNG data URL for the dashboard.
func qrDataURL(code string, log *slog.Logger) string {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		log.Warn("failed to render qr", "error", err)
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// Package whatsapp adapts whatsmeow to the session capability the
// supervisor drives: dial from stored credentials, a stream of lifecycle
// events, text sends and logout.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/sessionstore"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to WhatsApp")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// KeyStore is the per-account key material store handed to a session.
type KeyStore interface {
	GetKeys(ctx context.Context, category string, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, category, id string, value []byte) error
}

// Key categories written by the adapter.
const (
	KeyCategoryIdentity = "identity"
)

// Dialer opens whatsmeow sessions. All accounts share one device container.
type Dialer struct {
	container *sqlstore.Container
	log       *slog.Logger
}

// NewDialer opens the whatsmeow device store at storePath.
func NewDialer(ctx context.Context, storePath string, log *slog.Logger) (*Dialer, error) {
	storeDir := filepath.Dir(storePath)
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db")}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", storePath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	return &Dialer{container: container, log: log}, nil
}

// Dial opens a session for accountID. Events are delivered through emit,
// which must not block.
func (d *Dialer) Dial(ctx context.Context, accountID string, creds *sessionstore.Credentials, keys KeyStore, emit func(Event)) (Conn, error) {
	device, err := d.device(ctx, creds)
	if err != nil {
		return nil, err
	}

	clientLog := &slogAdapter{log: d.log.With("component", "whatsmeow", "account_id", accountID)}
	client := whatsmeow.NewClient(device, clientLog)
	// the supervisor owns reconnection
	client.EnableAutoReconnect = false

	c := &conn{
		accountID: accountID,
		client:    client,
		creds:     *creds,
		keys:      keys,
		emit:      emit,
		log:       d.log.With("account_id", accountID),
	}
	client.AddEventHandler(c.handleEvent)

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func (d *Dialer) device(ctx context.Context, creds *sessionstore.Credentials) (*store.Device, error) {
	if creds.DeviceJID == "" {
		return d.newDevice(creds), nil
	}
	jid, err := types.ParseJID(creds.DeviceJID)
	if err != nil {
		return nil, fmt.Errorf("invalid device jid: %w", err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}
	if device == nil {
		d.log.Warn("device missing from store, pairing again", "device", creds.DeviceJID)
		return d.newDevice(creds), nil
	}
	return device, nil
}

// newDevice starts an unpaired device carrying the account's registration
// identity. The noise, identity and prekeys are generated by the container
// and persisted in its database once pairing succeeds.
func (d *Dialer) newDevice(creds *sessionstore.Credentials) *store.Device {
	device := d.container.NewDevice()
	if creds.RegistrationID != 0 {
		device.RegistrationID = creds.RegistrationID
	}
	if len(creds.AdvSecretKey) == 32 {
		device.AdvSecretKey = append([]byte(nil), creds.AdvSecretKey...)
	}
	return device
}

// Purge deletes the device keys bound to creds.
func (d *Dialer) Purge(ctx context.Context, creds *sessionstore.Credentials) error {
	if creds == nil || creds.DeviceJID == "" {
		return nil
	}
	jid, err := types.ParseJID(creds.DeviceJID)
	if err != nil {
		return nil
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to get device store: %w", err)
	}
	if device == nil {
		return nil
	}
	return device.Delete(ctx)
}

// Close closes the device container.
func (d *Dialer) Close() error {
	return d.container.Close()
}

// Conn is one live session.
type Conn interface {
	Send(ctx context.Context, recipient, text string) (string, error)
	Logout(ctx context.Context) error
	Close()
}

type conn struct {
	accountID string
	client    *whatsmeow.Client
	keys      KeyStore
	emit      func(Event)
	log       *slog.Logger

	mu    sync.Mutex
	creds sessionstore.Credentials
}

func (c *conn) Send(ctx context.Context, recipient, text string) (string, error) {
	if c.client == nil || !c.client.IsConnected() || !c.client.IsLoggedIn() {
		return "", ErrNotConnected
	}

	jid, err := parseRecipient(recipient)
	if err != nil {
		return "", err
	}

	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.ID, nil
}

func (c *conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *conn) Close() {
	c.client.Disconnect()
}

// handleEvent translates whatsmeow events into session events.
func (c *conn) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.QR:
		// only the first code is currently valid; whatsmeow fires a new event on rotation
		if len(evt.Codes) > 0 {
			c.emit(Event{Kind: EventQR, QR: evt.Codes[0]})
		}

	case *events.PairSuccess:
		c.log.Info("pairing successful", "platform", evt.Platform)
		c.mu.Lock()
		c.creds.DeviceJID = evt.ID.String()
		c.creds.Registered = true
		c.creds.Platform = evt.Platform
		c.creds.BusinessName = evt.BusinessName
		updated := c.creds
		c.mu.Unlock()

		if c.keys != nil && !evt.LID.IsEmpty() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.keys.SetKeys(ctx, KeyCategoryIdentity, "lid", []byte(evt.LID.String())); err != nil {
				c.log.Warn("failed to persist lid", "error", err)
			}
			cancel()
		}
		c.emit(Event{Kind: EventCredsUpdate, Creds: &updated})
		c.emit(Event{Kind: EventPaired})

	case *events.Connected:
		c.emit(Event{Kind: EventConnected})

	case *events.Disconnected:
		c.emit(Event{Kind: EventClosed, Reason: ReasonConnectionLost})

	case *events.StreamReplaced:
		c.emit(Event{Kind: EventClosed, Reason: ReasonStreamReplaced})

	case *events.KeepAliveTimeout:
		c.log.Debug("keepalive timeout", "error_count", evt.ErrorCount)

	case *events.LoggedOut:
		c.emit(Event{Kind: EventClosed, Reason: ReasonLoggedOut, Detail: evt.Reason.String()})

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			c.emit(Event{Kind: EventClosed, Reason: ReasonLoggedOut, Detail: evt.Reason.String()})
			return
		}
		c.emit(Event{Kind: EventClosed, Reason: ReasonConnectFailure, Detail: evt.Reason.String()})

	case *events.TemporaryBan:
		c.emit(Event{Kind: EventClosed, Reason: ReasonTemporaryBan, Detail: evt.String()})

	case *events.Message:
		c.emit(Event{Kind: EventMessage, Message: toInbound(c.accountID, evt)})
	}
}

func toInbound(accountID string, evt *events.Message) *InboundMessage {
	msg := &InboundMessage{
		ID:          evt.Info.ID,
		AccountID:   accountID,
		RemoteID:    evt.Info.Chat.String(),
		Text:        extractMessageText(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		IsBroadcast: evt.Info.Chat.Server == types.BroadcastServer,
		Timestamp:   evt.Info.Timestamp,
	}
	if evt.Info.IsGroup {
		msg.Participant = evt.Info.Sender.String()
	}
	return msg
}

func extractMessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// parseRecipient accepts a JID or a phone number in any common formatting.
func parseRecipient(recipient string) (types.JID, error) {
	if recipient == "" {
		return types.JID{}, ErrInvalidRecipient
	}

	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		return jid, nil
	}

	phone := nonDigits.ReplaceAllString(recipient, "")
	if phone == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

var _ waLog.Logger = (*slogAdapter)(nil)

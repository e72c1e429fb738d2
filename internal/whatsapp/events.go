package whatsapp

import (
	"strings"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/sessionstore"
)

// EventKind identifies a session lifecycle signal.
type EventKind int

const (
	EventQR EventKind = iota
	EventPaired
	EventConnected
	EventClosed
	EventCredsUpdate
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventPaired:
		return "paired"
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventCredsUpdate:
		return "creds_update"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Close reasons. Only ReasonLoggedOut is terminal.
const (
	ReasonLoggedOut      = "logged_out"
	ReasonConnectionLost = "connection_lost"
	ReasonStreamReplaced = "stream_replaced"
	ReasonConnectFailure = "connect_failure"
	ReasonTemporaryBan   = "temporary_ban"
)

// Event is a signal from a live session.
type Event struct {
	Kind    EventKind
	QR      string
	Reason  string
	Detail  string
	Creds   *sessionstore.Credentials
	Message *InboundMessage
}

// InboundMessage is a received message in protocol-neutral form.
type InboundMessage struct {
	ID          string
	AccountID   string
	RemoteID    string
	Participant string
	Text        string
	FromMe      bool
	IsGroup     bool
	IsBroadcast bool
	Timestamp   time.Time
}

// Repliable reports whether the message should reach the auto-responder.
func (m *InboundMessage) Repliable() bool {
	return !m.FromMe && !m.IsBroadcast && m.Text != ""
}

// Mask hides all but the last four characters of a phone number or JID user
// part for info-level logs.
func Mask(id string) string {
	user := id
	if i := strings.IndexAny(user, "@:"); i >= 0 {
		user = user[:i]
	}
	if len(user) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(user)-4) + user[len(user)-4:]
}

package whatsapp

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/sessionstore"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "phone number with plus",
			input: "+6281234567890",
			want:  "6281234567890@s.whatsapp.net",
		},
		{
			name:  "phone number without plus",
			input: "6281234567890",
			want:  "6281234567890@s.whatsapp.net",
		},
		{
			name:  "phone number with spaces and dashes",
			input: "+62-812 3456-7890",
			want:  "6281234567890@s.whatsapp.net",
		},
		{
			name:  "already a JID",
			input: "6281234567890@s.whatsapp.net",
			want:  "6281234567890@s.whatsapp.net",
		},
		{
			name:  "group JID",
			input: "1234567890-1234567890@g.us",
			want:  "1234567890-1234567890@g.us",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no digits",
			input:   "call me",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecipient(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestExtractMessageText(t *testing.T) {
	assert.Equal(t, "", extractMessageText(nil))
	assert.Equal(t, "halo", extractMessageText(&waE2E.Message{Conversation: proto.String("halo")}))
	assert.Equal(t, "ext", extractMessageText(&waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("ext")},
	}))
	assert.Equal(t, "caption", extractMessageText(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Caption: proto.String("caption")},
	}))
}

type recordingKeys struct {
	mu   sync.Mutex
	sets map[string][]byte
}

func (k *recordingKeys) GetKeys(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	return nil, nil
}

func (k *recordingKeys) SetKeys(ctx context.Context, category, id string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sets == nil {
		k.sets = make(map[string][]byte)
	}
	k.sets[category+"/"+id] = value
	return nil
}

func newTestConn(keys KeyStore) (*conn, *[]Event) {
	var got []Event
	c := &conn{
		accountID: "acc-1",
		keys:      keys,
		emit:      func(e Event) { got = append(got, e) },
		log:       slog.Default(),
		creds:     sessionstore.Credentials{RegistrationID: 42},
	}
	return c, &got
}

func TestHandleEvent_Lifecycle(t *testing.T) {
	c, got := newTestConn(nil)

	c.handleEvent(&events.QR{Codes: []string{"first", "second"}})
	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.Disconnected{})
	c.handleEvent(&events.StreamReplaced{})
	c.handleEvent(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	c.handleEvent(&events.KeepAliveTimeout{ErrorCount: 1, LastSuccess: time.Now()})

	require.Len(t, *got, 5)
	assert.Equal(t, Event{Kind: EventQR, QR: "first"}, (*got)[0])
	assert.Equal(t, EventConnected, (*got)[1].Kind)
	assert.Equal(t, ReasonConnectionLost, (*got)[2].Reason)
	assert.Equal(t, ReasonStreamReplaced, (*got)[3].Reason)
	assert.Equal(t, EventClosed, (*got)[4].Kind)
	assert.Equal(t, ReasonLoggedOut, (*got)[4].Reason)
}

func TestHandleEvent_ConnectFailureLoggedOutIsTerminal(t *testing.T) {
	c, got := newTestConn(nil)

	c.handleEvent(&events.ConnectFailure{Reason: events.ConnectFailureLoggedOut})
	c.handleEvent(&events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable})

	require.Len(t, *got, 2)
	assert.Equal(t, ReasonLoggedOut, (*got)[0].Reason)
	assert.Equal(t, ReasonConnectFailure, (*got)[1].Reason)
}

func TestHandleEvent_PairSuccessUpdatesCredentials(t *testing.T) {
	keys := &recordingKeys{}
	c, got := newTestConn(keys)

	c.handleEvent(&events.PairSuccess{
		ID:       types.NewADJID("6281234567890", 0, 12),
		LID:      types.NewJID("123456789", types.HiddenUserServer),
		Platform: "android",
	})

	require.Len(t, *got, 2)
	assert.Equal(t, EventCredsUpdate, (*got)[0].Kind)
	creds := (*got)[0].Creds
	require.NotNil(t, creds)
	assert.Equal(t, "6281234567890:12@s.whatsapp.net", creds.DeviceJID)
	assert.True(t, creds.Paired())
	assert.Equal(t, uint32(42), creds.RegistrationID)
	assert.Equal(t, EventPaired, (*got)[1].Kind)

	assert.Equal(t, []byte("123456789@lid"), keys.sets["identity/lid"])
}

func TestHandleEvent_Message(t *testing.T) {
	c, got := newTestConn(nil)

	chat := types.NewJID("6281111", types.DefaultUserServer)
	c.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            "MSG1",
		},
		Message: &waE2E.Message{Conversation: proto.String("info harga dong")},
	})

	require.Len(t, *got, 1)
	msg := (*got)[0].Message
	require.NotNil(t, msg)
	assert.Equal(t, "acc-1", msg.AccountID)
	assert.Equal(t, "6281111@s.whatsapp.net", msg.RemoteID)
	assert.Equal(t, "info harga dong", msg.Text)
	assert.Empty(t, msg.Participant)
	assert.True(t, msg.Repliable())
}

func TestInboundMessage_Repliable(t *testing.T) {
	group := types.NewJID("120363-1", types.GroupServer)
	member := types.NewJID("6282222", types.DefaultUserServer)

	msg := toInbound("acc-1", &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: member, IsGroup: true},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	})
	assert.Equal(t, "6282222@s.whatsapp.net", msg.Participant)
	assert.True(t, msg.Repliable())

	status := toInbound("acc-1", &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: types.StatusBroadcastJID, Sender: member},
		},
		Message: &waE2E.Message{Conversation: proto.String("story")},
	})
	assert.False(t, status.Repliable())

	mine := &InboundMessage{Text: "x", FromMe: true}
	assert.False(t, mine.Repliable())
	empty := &InboundMessage{}
	assert.False(t, empty.Repliable())
}

func TestMask(t *testing.T) {
	assert.Equal(t, "*********7890", Mask("6281234567890@s.whatsapp.net"))
	assert.Equal(t, "*********7890", Mask("6281234567890:12@s.whatsapp.net"))
	assert.Equal(t, "****", Mask("123"))
}

func TestDialer_NewDeviceCarriesCredentials(t *testing.T) {
	ctx := context.Background()
	d, err := NewDialer(ctx, filepath.Join(t.TempDir(), "wa", "devices.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	creds, err := sessionstore.NewCredentials()
	require.NoError(t, err)

	device, err := d.device(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, creds.RegistrationID, device.RegistrationID)
	assert.Equal(t, creds.AdvSecretKey, device.AdvSecretKey)
	assert.NotNil(t, device.NoiseKey)
	assert.Nil(t, device.ID)

	// a bound device that vanished from the container pairs again with the same identity
	creds.DeviceJID = "6281234567890.0:1@s.whatsapp.net"
	device, err = d.device(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, creds.RegistrationID, device.RegistrationID)
	assert.Nil(t, device.ID)
}

func TestDialer_NewDeviceKeepsGeneratedIdentityForLegacyCredentials(t *testing.T) {
	ctx := context.Background()
	d, err := NewDialer(ctx, filepath.Join(t.TempDir(), "devices.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	device, err := d.device(ctx, &sessionstore.Credentials{})
	require.NoError(t, err)
	assert.NotZero(t, device.RegistrationID)
	assert.Len(t, device.AdvSecretKey, 32)
}

// Package commandbus consumes control commands from the broker, authorizes
// them against the issuer's workspace and permissions, and routes them to the
// session supervisor.
package commandbus

import (
	"encoding/json"
	"strings"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
)

// Command types.
const (
	TypeStart       = "START"
	TypeStop        = "STOP"
	TypeReconnect   = "RECONNECT"
	TypeResetCreds  = "RESET_CREDS"
	TypeSendMessage = "SEND_MESSAGE"
)

// permissions maps command types to the permission they require. Types not
// listed require none.
var permissions = map[string]string{
	TypeStart:       "numbers.start",
	TypeStop:        "numbers.stop",
	TypeReconnect:   "numbers.reconnect",
	TypeResetCreds:  "numbers.reset",
	TypeSendMessage: "messages.send",
}

// RequiredPermission returns the permission a command type needs, if any.
func RequiredPermission(cmdType string) (string, bool) {
	p, ok := permissions[cmdType]
	return p, ok
}

// Meta identifies who issued a command.
type Meta struct {
	UserID      string   `json:"userId"`
	WorkspaceID string   `json:"workspaceId"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether perm was granted.
func (m Meta) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Command is one control instruction off the command queue.
type Command struct {
	Type      string          `json:"type"`
	AccountID string          `json:"waAccountId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      *Meta           `json:"meta,omitempty"`
}

// SendPayload is the payload of SEND_MESSAGE. MessageID refers to a message
// record the API already created; without it the bus creates one.
type SendPayload struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// Decode parses a command body.
func Decode(body []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidInput, "malformed command")
	}
	cmd.Type = strings.ToUpper(strings.TrimSpace(cmd.Type))
	if cmd.Type == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "command type is required")
	}
	return &cmd, nil
}

func (c *Command) sendPayload() (*SendPayload, error) {
	var p SendPayload
	if len(c.Payload) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "send payload is required")
	}
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidInput, "malformed send payload")
	}
	if strings.TrimSpace(p.To) == "" || p.Text == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "send payload needs to and text")
	}
	return &p, nil
}

func (c *Command) actor() string {
	if c.Meta == nil {
		return ""
	}
	return c.Meta.UserID
}

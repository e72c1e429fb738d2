package sessionstore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// Credentials is the per-account record needed to resume a session. The
// device keys themselves live in the protocol library's device store; these
// credentials bind an account to its device and carry pairing metadata.
type Credentials struct {
	DeviceJID      string    `json:"device_jid,omitempty"`
	RegistrationID uint32    `json:"registration_id"`
	AdvSecretKey   []byte    `json:"adv_secret_key"`
	Platform       string    `json:"platform,omitempty"`
	BusinessName   string    `json:"business_name,omitempty"`
	Registered     bool      `json:"registered"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewCredentials returns freshly initialized, unregistered credentials.
func NewCredentials() (*Credentials, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate adv secret: %w", err)
	}
	var reg [4]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return nil, fmt.Errorf("failed to generate registration id: %w", err)
	}
	ts := time.Now().UTC()
	return &Credentials{
		// registration ids are 14-bit on the wire
		RegistrationID: binary.BigEndian.Uint32(reg[:])&0x3fff + 1,
		AdvSecretKey:   secret,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// Paired reports whether the credentials belong to a linked device.
func (c *Credentials) Paired() bool {
	return c.Registered && c.DeviceJID != ""
}

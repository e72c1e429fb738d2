package sessionstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupStore(t *testing.T, secret string) (*Store, *store.SQLStore) {
	sqlStore, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	enc, err := NewEncryptor(secret)
	require.NoError(t, err)
	return New(sqlStore, enc), sqlStore
}

func TestEncryptor(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	assert.True(t, enc.Enabled())

	sealed, err := enc.Seal([]byte("noise-key"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "noise-key")

	opened, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("noise-key"), opened)

	_, err = enc.Open([]byte("short"))
	assert.Error(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = enc.Open(sealed)
	assert.Error(t, err)
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.Enabled())

	out, err := enc.Seal([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), out)

	_, err = NewEncryptor("short-secret")
	assert.Error(t, err)
}

func TestStore_LoadCreatesFreshCredentials(t *testing.T) {
	s, _ := setupStore(t, testSecret)
	ctx := context.Background()

	has, err := s.HasCredentials(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, has)

	creds, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Len(t, creds.AdvSecretKey, 32)
	assert.NotZero(t, creds.RegistrationID)
	assert.False(t, creds.Paired())

	// the second load returns what the first one persisted
	again, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, creds.AdvSecretKey, again.AdvSecretKey)
	assert.Equal(t, creds.RegistrationID, again.RegistrationID)

	has, err = s.HasCredentials(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStore_SaveCredentialsRoundTrip(t *testing.T) {
	s, _ := setupStore(t, testSecret)
	ctx := context.Background()

	creds, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	creds.DeviceJID = "6281234567890:12@s.whatsapp.net"
	creds.Registered = true
	creds.Platform = "android"
	require.NoError(t, s.SaveCredentials(ctx, "acc-1", creds))

	loaded, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, creds.DeviceJID, loaded.DeviceJID)
	assert.Equal(t, creds.AdvSecretKey, loaded.AdvSecretKey)
	assert.Equal(t, creds.RegistrationID, loaded.RegistrationID)
	assert.Equal(t, creds.Platform, loaded.Platform)
	assert.True(t, loaded.Paired())
	assert.True(t, creds.UpdatedAt.Equal(loaded.UpdatedAt))
}

func TestStore_CredentialsEncryptedAtRest(t *testing.T) {
	s, sqlStore := setupStore(t, testSecret)
	ctx := context.Background()

	creds, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	creds.DeviceJID = "628111@s.whatsapp.net"
	require.NoError(t, s.SaveCredentials(ctx, "acc-1", creds))

	var raw []byte
	require.NoError(t, sqlStore.DB().QueryRow("SELECT data FROM session_creds WHERE account_id = ?", "acc-1").Scan(&raw))
	assert.False(t, strings.Contains(string(raw), "628111"))
}

func TestStore_Keys(t *testing.T) {
	s, _ := setupStore(t, testSecret)
	ctx := context.Background()
	keys := s.Keys("acc-1")

	got, err := keys.GetKeys(ctx, "pre-key", []string{"1", "2"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, keys.SetKeys(ctx, "pre-key", "1", []byte{0x01, 0x02}))
	require.NoError(t, keys.SetKeys(ctx, "pre-key", "2", []byte{0x03}))
	require.NoError(t, keys.SetKeys(ctx, "session", "1", []byte{0x09}))
	// upsert is idempotent
	require.NoError(t, keys.SetKeys(ctx, "pre-key", "2", []byte{0x04}))

	got, err = keys.GetKeys(ctx, "pre-key", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"1": {0x01, 0x02}, "2": {0x04}}, got)

	// nil deletes; deleting twice is fine
	require.NoError(t, keys.SetKeys(ctx, "pre-key", "1", nil))
	require.NoError(t, keys.SetKeys(ctx, "pre-key", "1", nil))
	got, err = keys.GetKeys(ctx, "pre-key", []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"2": {0x04}}, got)

	// other accounts are isolated
	other, err := s.Keys("acc-2").GetKeys(ctx, "pre-key", []string{"2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_Delete(t *testing.T) {
	s, _ := setupStore(t, "")
	ctx := context.Background()

	first, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, s.SetKeys(ctx, "acc-1", "session", "a", []byte("x")))

	require.NoError(t, s.Delete(ctx, "acc-1"))
	require.NoError(t, s.Delete(ctx, "acc-1"))

	has, err := s.HasCredentials(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, has)

	got, err := s.GetKeys(ctx, "acc-1", "session", []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)

	fresh, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.AdvSecretKey, fresh.AdvSecretKey)
}

func TestStore_StorageErrorsAreTyped(t *testing.T) {
	s, sqlStore := setupStore(t, testSecret)
	require.NoError(t, sqlStore.Close())

	_, err := s.Load(context.Background(), "acc-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeStorage))

	err = s.SaveCredentials(context.Background(), "acc-1", &Credentials{})
	assert.True(t, apperr.Is(err, apperr.CodeStorage))
}

func TestStore_WrongSecretFailsToDecrypt(t *testing.T) {
	s, sqlStore := setupStore(t, testSecret)
	ctx := context.Background()
	_, err := s.Load(ctx, "acc-1")
	require.NoError(t, err)

	other, err := NewEncryptor(strings.Repeat("z", 32))
	require.NoError(t, err)
	_, err = New(sqlStore, other).Load(ctx, "acc-1")
	assert.True(t, apperr.Is(err, apperr.CodeStorage))
}

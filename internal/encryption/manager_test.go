package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/config"
)

func localManager() *Manager {
	cfg := &config.Config{}
	cfg.KMS.Enabled = false
	return NewManager(cfg, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	blob, err := m.EncryptField(ctx, "+15559876543")
	require.NoError(t, err)
	require.NotContains(t, string(blob), "+15559876543")

	plain, err := m.DecryptField(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "+15559876543", plain)
}

func TestEncryptFieldUsesFreshDataKeys(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	first, err := m.EncryptField(ctx, "same input")
	require.NoError(t, err)
	second, err := m.EncryptField(ctx, "same input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptFieldRejectsTamperedBlob(t *testing.T) {
	m := localManager()
	ctx := context.Background()

	_, err := m.DecryptField(ctx, []byte("not an envelope"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptFieldAcrossManagersFails(t *testing.T) {
	ctx := context.Background()
	blob, err := localManager().EncryptField(ctx, "secret")
	require.NoError(t, err)

	// Each dev manager has its own ephemeral master key.
	_, err = localManager().DecryptField(ctx, blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

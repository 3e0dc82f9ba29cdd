package secrets_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/validai/validai-engine/internal/secrets"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	box, err := secrets.NewBox(testKey())
	require.NoError(t, err)

	sealed, err := box.Seal("sk-ant-secret-key")
	require.NoError(t, err)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret-key", opened)
}

func TestSeal_DistinctNonces(t *testing.T) {
	box, err := secrets.NewBox(testKey())
	require.NoError(t, err)

	a, err := box.Seal("same-plaintext")
	require.NoError(t, err)
	b, err := box.Seal("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	box, err := secrets.NewBox(testKey())
	require.NoError(t, err)

	sealed, err := box.Seal("sk-key")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = box.Open(sealed)
	require.Error(t, err)
}

func TestOpen_TooShort(t *testing.T) {
	box, err := secrets.NewBox(testKey())
	require.NoError(t, err)

	_, err = box.Open([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestNoKeyConfigured(t *testing.T) {
	box, err := secrets.NewBox(nil)
	require.NoError(t, err)

	_, err = box.Seal("anything")
	assert.ErrorIs(t, err, secrets.ErrNoKey)

	_, err = box.Open([]byte("anything"))
	assert.ErrorIs(t, err, secrets.ErrNoKey)
}

func TestNewBox_BadKeyLength(t *testing.T) {
	_, err := secrets.NewBox([]byte("short"))
	require.Error(t, err)
}

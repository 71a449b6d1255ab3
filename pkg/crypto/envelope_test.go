package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/pkg/errors"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testKey(t *testing.T) MasterKey {
	t.Helper()
	mk, err := ParseMasterKey(testKeyHex)
	require.NoError(t, err)
	return mk
}

func TestParseMasterKey(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		_, err := ParseMasterKey(testKeyHex)
		assert.NoError(t, err)
	})

	t.Run("WrongLength", func(t *testing.T) {
		_, err := ParseMasterKey("deadbeef")
		assert.Error(t, err)
	})

	t.Run("NotHex", func(t *testing.T) {
		_, err := ParseMasterKey(strings.Repeat("zz", 32))
		assert.Error(t, err)
	})
}

func TestWrapUnwrap(t *testing.T) {
	mk := testKey(t)

	secret, err := GenerateTenantSecret()
	require.NoError(t, err)
	require.Len(t, secret, SecretSize)

	wrapped, err := mk.Wrap(secret)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(wrapped))

	unwrapped, err := mk.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, unwrapped)
}

func TestUnwrap_WrongMasterKey(t *testing.T) {
	mk := testKey(t)
	other, err := ParseMasterKey(strings.Repeat("ff", 32))
	require.NoError(t, err)

	secret, err := GenerateTenantSecret()
	require.NoError(t, err)
	wrapped, err := mk.Wrap(secret)
	require.NoError(t, err)

	_, err = other.Unwrap(wrapped)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecryptionFailed))
}

func TestUnwrap_Tampered(t *testing.T) {
	mk := testKey(t)

	secret, err := GenerateTenantSecret()
	require.NoError(t, err)
	wrapped, err := mk.Wrap(secret)
	require.NoError(t, err)

	parts := strings.Split(wrapped, ":")
	require.Len(t, parts, 3)
	flipped := "00" + parts[2][2:]
	if flipped == parts[2] {
		flipped = "11" + parts[2][2:]
	}
	tampered := parts[0] + ":" + parts[1] + ":" + flipped

	_, err = mk.Unwrap(tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecryptionFailed))
}

func TestEncryptDecryptField(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	blob, err := EncryptField("Acme Corp", secret)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(blob))
	assert.NotContains(t, blob, "Acme")

	plain, err := DecryptField(blob, secret)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", plain)
}

func TestEncryptField_FreshNoncePerCall(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	a, err := EncryptField("same value", secret)
	require.NoError(t, err)
	b, err := EncryptField("same value", secret)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncryptField_BadSecretLength(t *testing.T) {
	_, err := EncryptField("x", []byte("short"))
	assert.Error(t, err)

	_, err = DecryptField("aa:bb:cc", []byte("short"))
	assert.Error(t, err)
}

func TestDecryptField_Malformed(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	_, err := DecryptField("plaintext value", secret)
	assert.Error(t, err)

	_, err = DecryptField("not:hex:zz", secret)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecryptionFailed))
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted("aabb:ccdd:eeff"))
	assert.False(t, IsEncrypted("John Smith"))
	assert.False(t, IsEncrypted("a:b"))
	assert.False(t, IsEncrypted("::"))
	assert.False(t, IsEncrypted("xx:yy:zz"))
}

package secretbox

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestRoundTrip(t *testing.T) {
	box, err := New(testKey)
	require.NoError(t, err)

	sealed, err := box.Encrypt("ABCDE1234F")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ABCDE1234F")

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE1234F", plain)
}

func TestNonceIsFresh(t *testing.T) {
	box, err := New(testKey)
	require.NoError(t, err)
	a, err := box.Encrypt("same")
	require.NoError(t, err)
	b, err := box.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTamperFails(t *testing.T) {
	box, err := New(testKey)
	require.NoError(t, err)
	sealed, err := box.Encrypt("secret")
	require.NoError(t, err)

	parts := strings.Split(sealed, "|")
	ct, _ := base64.StdEncoding.DecodeString(parts[1])
	ct[0] ^= 0xff
	_, err = box.Decrypt(parts[0] + "|" + base64.StdEncoding.EncodeToString(ct))
	assert.Error(t, err)

	_, err = box.Decrypt("no-separator")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKeyFormats(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("short")
	assert.Error(t, err)
	_, err = New("0123456789abcdef0123456789abcdef")
	assert.NoError(t, err)
	_, err = New(strings.Repeat("ab", 32))
	assert.NoError(t, err)
}

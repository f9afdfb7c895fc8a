package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "topsecret"

	sig := SignBody(body, secret)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)

	ok, err := VerifySignature(body, secret, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "topsecret"
	sig := SignBody([]byte(`original`), secret)

	ok, err := VerifySignature([]byte(`tampered`), secret, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignatureRequiresPrefix(t *testing.T) {
	_, err := VerifySignature([]byte(`body`), "secret", "deadbeef")
	assert.ErrorIs(t, err, ErrSignatureMalformed)
}

func TestPayloadHashIsDeterministic(t *testing.T) {
	h1 := PayloadHash([]byte("abc"))
	h2 := PayloadHash([]byte("abc"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHeaderCipherRoundTrip(t *testing.T) {
	c := NewHeaderCipher("master-secret")
	headers := map[string]string{
		"x-hub-signature-256": "sha256=abcd",
		"x-github-event":      "push",
		"x-github-delivery":   "1234-5678",
	}

	sealed, err := c.Seal(headers)
	require.NoError(t, err)

	var wire EncryptedHeaders
	require.NoError(t, json.Unmarshal([]byte(sealed), &wire))
	assert.NotEmpty(t, wire.Encrypted)
	assert.NotEmpty(t, wire.IV)
	assert.NotEmpty(t, wire.Tag)
	assert.NotEmpty(t, wire.Salt)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, headers, opened)
}

func TestHeaderCipherRejectsWrongSecret(t *testing.T) {
	sealed, err := NewHeaderCipher("secret-a").Seal(map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = NewHeaderCipher("secret-b").Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestHeaderCipherRejectsTamperedCiphertext(t *testing.T) {
	c := NewHeaderCipher("master-secret")
	sealed, err := c.Seal(map[string]string{"k": "v"})
	require.NoError(t, err)

	var wire EncryptedHeaders
	require.NoError(t, json.Unmarshal([]byte(sealed), &wire))
	wire.Encrypted = flipLastHexNibble(wire.Encrypted)
	tamperedBytes, err := json.Marshal(wire)
	require.NoError(t, err)

	_, err = c.Open(string(tamperedBytes))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func flipLastHexNibble(hexStr string) string {
	runes := []rune(hexStr)
	last := runes[len(runes)-1]
	if last == '0' {
		runes[len(runes)-1] = '1'
	} else {
		runes[len(runes)-1] = '0'
	}
	return string(runes)
}

package encryption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrips(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := NewAESGCM(key)
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("secret value"))
	require.NoError(t, err)
	require.NotEqual(t, []byte("secret value"), ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("secret value"), plaintext)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	enc, err := NewAESGCM(key)
	require.NoError(t, err)

	_, err = enc.Decrypt([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestNewAESGCMRejectsInvalidKeySize(t *testing.T) {
	_, err := NewAESGCM([]byte("too-short"))
	require.Error(t, err)
}

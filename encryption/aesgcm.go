// Package encryption provides the default implementation of
// config.Encrypter: AES-256-GCM with a random per-message nonce prepended
// to the ciphertext, the standard-library recipe agentuity-go-common's
// crypto package uses for its own box/crypto encrypt helpers.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// AESGCM is the reference config.Encrypter implementation.
type AESGCM struct {
	gcm cipher.AEAD
}

// NewAESGCM builds an AESGCM from a 16, 24, or 32-byte key (AES-128/192/256
// respectively).
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{gcm: gcm}, nil
}

// Encrypt seals plaintext, prepending a fresh random nonce to the result.
func (a *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return a.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, reading the nonce back off the front of
// ciphertext.
func (a *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := a.gcm.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("encryption: ciphertext shorter than nonce")
	}
	nonce, ct := ciphertext[:ns], ciphertext[ns:]
	return a.gcm.Open(nil, nonce, ct, nil)
}

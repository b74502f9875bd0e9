package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes for AES-256")
	ErrDecryption     = errors.New("decryption failed: wrong key, corrupt blob, or AAD mismatch")
	ErrBlobTooShort   = errors.New("encrypted blob shorter than nonce")
)

// Seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext||tag
// as one blob. aad binds the blob to its context (the config key name) so a
// value copied onto another key fails to open.
func (b *SecretBox) Seal(plaintext, aad []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same AAD. Failures are
// collapsed into ErrDecryption so callers cannot distinguish a wrong key
// from a tampered blob.
func (b *SecretBox) Open(blob, aad []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrBlobTooShort
	}
	nonce, sealed := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	if len(b.key) != keySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

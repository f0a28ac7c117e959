// Package payload encrypts message text with a key shared by every client.
// It keeps text opaque to the relay and the store; it is not end-to-end
// encryption.
package payload

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "enc1:"

var ErrCorrupt = errors.New("payload: corrupt ciphertext")

// Cipher seals and opens message text.
type Cipher struct {
	aead cipher.AEAD
}

// New derives a cipher from the shared passphrase.
func New(passphrase string) (*Cipher, error) {
	key := sha256.Sum256([]byte(passphrase))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals text. Empty text stays empty so attachment-only messages carry no payload.
func (c *Cipher) Encrypt(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(text)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(text), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens text sealed by Encrypt. Text without the envelope prefix is
// returned as is.
func (c *Cipher) Decrypt(text string) (string, error) {
	if !strings.HasPrefix(text, prefix) {
		return text, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(text, prefix))
	if err != nil || len(raw) < c.aead.NonceSize() {
		return "", ErrCorrupt
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plain), nil
}

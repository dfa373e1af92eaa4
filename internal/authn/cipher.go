package authn

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrUndecryptable is returned for password payloads that do not open
var ErrUndecryptable = errors.New("password payload cannot be decrypted")

// PasswordCipher opens client-encrypted password payloads
type PasswordCipher interface {
	Decrypt(payload string) (string, error)
}

// SecretboxCipher opens base64(nonce||box) payloads sealed with a shared key
type SecretboxCipher struct {
	key [32]byte
}

// NewSecretboxCipher parses a base64 encoded 32-byte key
func NewSecretboxCipher(b64Key string) (*SecretboxCipher, error) {
	raw, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("transport key is not base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("transport key must be 32 bytes, got %d", len(raw))
	}
	c := &SecretboxCipher{}
	copy(c.key[:], raw)
	return c, nil
}

// Decrypt opens a payload
func (c *SecretboxCipher) Decrypt(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrUndecryptable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrUndecryptable
	}
	return string(out), nil
}

// Encrypt seals a password the way clients do
func (c *SecretboxCipher) Encrypt(password string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(password), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// PlainCipher accepts passwords as submitted. Only used outside production
// when no transport key is configured.
type PlainCipher struct{}

func (PlainCipher) Decrypt(payload string) (string, error) {
	if payload == "" {
		return "", ErrUndecryptable
	}
	return payload, nil
}

package tokenstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1."

// ErrUnseal occurs when a stored token cannot be decrypted.
var ErrUnseal = errors.New("tokenstore: unseal failed")

// Sealer encrypts tokens at rest with NaCl secretbox. A nil *Sealer stores
// tokens as-is.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the box key from secret. An empty secret returns nil.
func NewSealer(secret string) *Sealer {
	if secret == "" {
		return nil
	}
	return &Sealer{key: sha256.Sum256([]byte(secret))}
}

// Seal encrypts plaintext with a random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("tokenstore: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil || sealed == "" {
		return sealed, nil
	}
	if len(sealed) < len(sealedPrefix) || sealed[:len(sealedPrefix)] != sealedPrefix {
		return "", ErrUnseal
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed[len(sealedPrefix):])
	if err != nil || len(raw) < 24 {
		return "", ErrUnseal
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrUnseal
	}
	return string(plain), nil
}

func (s *Sealer) sealCredentials(creds Credentials) (Credentials, error) {
	access, err := s.Seal(creds.AccessToken)
	if err != nil {
		return Credentials{}, err
	}
	refresh, err := s.Seal(creds.RefreshToken)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{AccessToken: access, RefreshToken: refresh, Username: creds.Username}, nil
}

func (s *Sealer) openCredentials(creds Credentials) (Credentials, error) {
	access, err := s.Open(creds.AccessToken)
	if err != nil {
		return Credentials{}, err
	}
	refresh, err := s.Open(creds.RefreshToken)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{AccessToken: access, RefreshToken: refresh, Username: creds.Username}, nil
}

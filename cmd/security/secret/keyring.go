package secret

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeyEnv is the env var name for the sealing key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "HUDDLE_BOT_SECRET_KEY"

	keySize   = 32
	nonceSize = 24
)

// Keyring seals and opens small secrets with one symmetric key.
type Keyring struct {
	key [keySize]byte
}

// NewKeyring builds a Keyring from a raw 32-byte key.
func NewKeyring(key []byte) (*Keyring, error) {
	if len(key) != keySize {
		return nil, ErrKeyInvalid
	}
	k := &Keyring{}
	copy(k.key[:], key)
	return k, nil
}

// KeyringFromHex builds a Keyring from a hex-encoded key.
func KeyringFromHex(s string) (*Keyring, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrKeyMissing
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrKeyInvalid
	}
	return NewKeyring(b)
}

// KeyringFromEnv reads HUDDLE_BOT_SECRET_KEY.
func KeyringFromEnv() (*Keyring, error) {
	return KeyringFromHex(os.Getenv(KeyEnv))
}

// NewRandomKeyHex returns a fresh key suitable for HUDDLE_BOT_SECRET_KEY.
func NewRandomKeyHex() (string, error) {
	b := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Seal encrypts plain. The output is nonce || box.
func (k *Keyring) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("secret: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &k.key), nil
}

// Open reverses Seal. Tampered or foreign boxes fail with ErrOpen.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &k.key)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}

// Fingerprint returns a short, stable HMAC-SHA256 hex digest of plain.
func (k *Keyring) Fingerprint(plain []byte) string {
	m := hmac.New(sha256.New, k.key[:])
	_, _ = m.Write(plain)
	return hex.EncodeToString(m.Sum(nil))[:16]
}

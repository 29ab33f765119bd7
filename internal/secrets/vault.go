// Package secrets seals tenant connector credentials at rest.
//
// Every sealed value is a self-describing envelope:
//
//	v1.<key id>.<base64url(nonce || ciphertext)>
//
// The envelope prefix is bound as additional authenticated data, so a value
// sealed under one key id cannot be relabelled and opened under another.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the required length of the master key in bytes.
const KeySize = chacha20poly1305.KeySize

const (
	envelopeVersion = "v1"
	keyIDInfo       = "billing/credential-vault/key-id"
	keyIDLen        = 8
)

// ErrCorruptCredential is returned for any envelope that cannot be opened:
// wrong format, truncated data, tampering, or a different key.
var ErrCorruptCredential = errors.New("corrupt credential")

// Sealer is the narrow contract consumers depend on.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(envelope string) ([]byte, error)
}

// Vault encrypts and decrypts credential blobs with XChaCha20-Poly1305.
type Vault struct {
	aead  cipher.AEAD
	keyID string
	rand  io.Reader
}

// New builds a Vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	keyID, err := deriveKeyID(key)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead, keyID: keyID, rand: rand.Reader}, nil
}

// KeyID returns the public fingerprint embedded in envelopes sealed by v.
func (v *Vault) KeyID() string { return v.keyID }

func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	prefix := v.prefix()
	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(prefix))
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(envelope), ".")
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unrecognized envelope", ErrCorruptCredential)
	}
	if parts[1] != v.keyID {
		return nil, fmt.Errorf("%w: sealed under key %q", ErrCorruptCredential, parts[1])
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrCorruptCredential)
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrCorruptCredential)
	}
	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(v.prefix()))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCorruptCredential)
	}
	return plaintext, nil
}

// EncryptJSON marshals value and seals the result.
func EncryptJSON(s Sealer, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return s.Encrypt(raw)
}

// DecryptJSON opens envelope and unmarshals into out. A payload that opens
// but is not valid JSON is also reported as corrupt.
func DecryptJSON(s Sealer, envelope string, out any) error {
	raw, err := s.Decrypt(envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: payload is not json", ErrCorruptCredential)
	}
	return nil
}

func (v *Vault) prefix() string {
	return envelopeVersion + "." + v.keyID + "."
}

func deriveKeyID(key []byte) (string, error) {
	id := make([]byte, keyIDLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(keyIDInfo)), id); err != nil {
		return "", fmt.Errorf("derive key id: %w", err)
	}
	return hex.EncodeToString(id), nil
}

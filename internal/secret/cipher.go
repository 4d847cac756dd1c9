// Package secret seals credentials at rest with AES-256-GCM.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrCiphertextTooShort is returned when a sealed value is shorter than its nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher encrypts and decrypts stored credential strings.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Enabled() bool
}

// fixed salt: the passphrase is a system-wide key, not a user password
var kdfSalt = []byte("keyrelay-credential-store-v1")

// AESCipher derives a 32-byte key from a passphrase with Argon2id.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher builds an AES-256-GCM cipher keyed by passphrase.
func NewAESCipher(passphrase string) (*AESCipher, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := argon2.IDKey([]byte(passphrase), kdfSalt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", ErrCiphertextTooShort
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// Enabled reports true.
func (c *AESCipher) Enabled() bool { return true }

// Passthrough stores values as-is.
type Passthrough struct{}

func (Passthrough) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (Passthrough) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
func (Passthrough) Enabled() bool                              { return false }

// New returns an AESCipher for a non-empty passphrase, Passthrough otherwise.
func New(passphrase string) (Cipher, error) {
	if passphrase == "" {
		return Passthrough{}, nil
	}
	return NewAESCipher(passphrase)
}

package core

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var (
	ErrNotEncrypted = errors.New("artifact is not encrypted")
	ErrWrongKey     = errors.New("wrong encryption key")
	ErrEmptyKey     = errors.New("encryption key is empty")
)

// encMagic prefixes every encrypted artifact.
var encMagic = []byte("SQZE")

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	aesKeyLen    = 32
	saltLen      = 16
	nonceLen     = 12
)

// GenerateKey returns a random URL-safe key suitable for Encrypt.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// passphrase with argon2id. Layout: magic | salt | nonce | ciphertext.
func Encrypt(plaintext []byte, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	header := make([]byte, len(encMagic)+saltLen+nonceLen)
	copy(header, encMagic)
	salt := header[len(encMagic) : len(encMagic)+saltLen]
	nonce := header[len(encMagic)+saltLen:]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := newGCM(key, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(header, nonce, plaintext, encMagic), nil
}

// Decrypt reverses Encrypt.
func Decrypt(data []byte, key string) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrNotEncrypted
	}
	if key == "" {
		return nil, ErrEmptyKey
	}
	if len(data) < len(encMagic)+saltLen+nonceLen {
		return nil, fmt.Errorf("%w: short header", ErrCorruptInput)
	}

	salt := data[len(encMagic) : len(encMagic)+saltLen]
	nonce := data[len(encMagic)+saltLen : len(encMagic)+saltLen+nonceLen]
	ciphertext := data[len(encMagic)+saltLen+nonceLen:]

	gcm, err := newGCM(key, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, encMagic)
	if err != nil {
		return nil, ErrWrongKey
	}
	return plaintext, nil
}

// IsEncrypted reports whether data carries the encrypted-artifact header.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, encMagic)
}

func newGCM(key string, salt []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, aesKeyLen)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

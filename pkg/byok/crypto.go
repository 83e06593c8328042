// Package byok encrypts and decrypts user-supplied upstream API keys
// ("bring your own key"). Payloads are versioned so the storage format can
// rotate without guessing: v1:<iv>:<tag>:<ciphertext>, all parts base64.
package byok

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	payloadVersion = "v1"
	ivLength       = 12
	tagLength      = 16
)

var ErrInvalidPayload = errors.New("invalid encrypted key payload")

// Cipher derives a fixed AES-256 key from the deployment secret.
type Cipher struct {
	key [32]byte
}

func NewCipher(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("byok encryption secret is empty")
	}
	return &Cipher{key: sha256.Sum256([]byte(secret))}, nil
}

func (c *Cipher) Encrypt(plainKey string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plainKey), nil)
	ct, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]
	enc := base64.StdEncoding
	return strings.Join([]string{
		payloadVersion,
		enc.EncodeToString(iv),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, ":"), nil
}

func (c *Cipher) Decrypt(payload string) (string, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 4 || parts[0] != payloadVersion {
		return "", ErrInvalidPayload
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil || len(iv) != ivLength {
		return "", ErrInvalidPayload
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != tagLength {
		return "", ErrInvalidPayload
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return "", ErrInvalidPayload
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt key: %w", err)
	}
	return string(plain), nil
}

// KeyLast4 returns the display-safe suffix shown in settings UIs.
func KeyLast4(apiKey string) string {
	trimmed := strings.TrimSpace(apiKey)
	if len(trimmed) < 4 {
		return trimmed
	}
	return trimmed[len(trimmed)-4:]
}

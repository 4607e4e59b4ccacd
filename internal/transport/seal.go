package transport

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sort"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var encoding = base64.RawURLEncoding

// GenerateSecretKey returns a new random chain secret, base64url encoded.
func GenerateSecretKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("failed to generate secret key: %w", err)
	}
	return encoding.EncodeToString(key[:]), nil
}

// Sealer encrypts and authenticates payloads under a chain secret.
type Sealer struct {
	key [keySize]byte
}

// NewSealer decodes a secret produced by GenerateSecretKey.
func NewSealer(secretKey string) (*Sealer, error) {
	raw, err := encoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("invalid secret key: want %d bytes, got %d", keySize, len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts plaintext with a fresh nonce and returns nonce||box, base64url encoded.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return encoding.EncodeToString(box), nil
}

// ErrOpen is returned when a payload was not sealed with this key.
var ErrOpen = errors.New("payload cannot be opened with this key")

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := encoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: payload too short", ErrOpen)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}

// FeedListHash returns an order-independent hash of a set of feed urls.
func FeedListHash(urls []string) int64 {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)

	h := fnv.New64a()
	for _, u := range sorted {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

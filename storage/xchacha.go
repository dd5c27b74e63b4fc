package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertextTooShort is returned when stored bytes cannot hold a nonce and tag.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// XChaCha20Cipher seals documents with XChaCha20-Poly1305. Stored bytes are
// nonce || ciphertext, and the collection and id are bound as associated
// data so a sealed document cannot be moved to another key.
type XChaCha20Cipher struct {
	key []byte
}

var _ Cipher = (*XChaCha20Cipher)(nil)

// NewXChaCha20Cipher takes a 32-byte key.
func NewXChaCha20Cipher(key []byte) (*XChaCha20Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &XChaCha20Cipher{key: k}, nil
}

// LoadXChaCha20Cipher reads a hex-encoded 32-byte key from path.
func LoadXChaCha20Cipher(path string) (*XChaCha20Cipher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key file %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("encryption key file %s is not hex: %w", path, err)
	}
	return NewXChaCha20Cipher(key)
}

func associatedData(collection, id string) []byte {
	ad := make([]byte, 0, len(collection)+1+len(id))
	ad = append(ad, collection...)
	ad = append(ad, 0)
	return append(ad, id...)
}

func (c *XChaCha20Cipher) Seal(collection, id string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, out[:aead.NonceSize()], plaintext, associatedData(collection, id)), nil
}

func (c *XChaCha20Cipher) Open(collection, id string, stored []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(stored) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := stored[:aead.NonceSize()], stored[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, associatedData(collection, id))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s/%s: %w", collection, id, err)
	}
	return plain, nil
}

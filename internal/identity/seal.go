package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	secretSize = 32
	hkdfInfo   = "sousvide-ble identity"
)

// deriveKey uses HKDF-SHA256 to derive a 32-byte AES key from the stored secret.
func deriveKey(secret []byte) ([]byte, error) {
	if len(secret) != secretSize {
		return nil, fmt.Errorf("identity: secret must be %d bytes, got %d", secretSize, len(secret))
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("identity: HKDF: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: new GCM: %w", err)
	}
	return aead, nil
}

// seal encrypts plaintext with AES-256-GCM and returns iv || ciphertext || tag.
// The store key is bound as additional data so values cannot be swapped
// between keys.
func seal(key []byte, name string, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("identity: random IV: %w", err)
	}
	return aead.Seal(iv, iv, plaintext, []byte(name)), nil
}

// open reverses seal.
func open(key []byte, name string, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("identity: sealed value too short")
	}
	iv, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, iv, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w", err)
	}
	return plaintext, nil
}

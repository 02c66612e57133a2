package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrInvalidKey is returned for keys that are not 64 hex characters.
	ErrInvalidKey = errors.New("cipher: key must be 64 hex characters")

	// ErrCiphertextShort is returned when the ciphertext cannot hold a nonce.
	ErrCiphertextShort = errors.New("cipher: ciphertext too short")
)

// AESGCM seals payloads with AES-256-GCM. The random nonce is prepended
// to the ciphertext.
//
// Thread Safety:
//   - Encrypt and Decrypt are safe for concurrent use.
type AESGCM struct {
	aead stdcipher.AEAD
}

// NewAESGCM creates a cipher from a hex-encoded 32 byte key.
func NewAESGCM(hexKey string) (*AESGCM, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext.
func (c *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func (c *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n+c.aead.Overhead() {
		return nil, ErrCiphertextShort
	}
	plain, err := c.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	return plain, nil
}

package teamvault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/teamvault/internal/misc"
)

// EncryptedPayload is the at-rest form of a sealed envelope. Nonce and
// ciphertext are lowercase hexadecimal strings; the encoding is byte-exact
// because record checksums are computed over these encoded forms.
type EncryptedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts plaintext under key with ChaCha20-Poly1305 AEAD.
//
// The key must be 32 bytes and the nonce 12 bytes. The nonce MUST be freshly
// random for every call: nonce reuse under the same key breaks both
// confidentiality and integrity. That is a hard caller obligation - Seal
// cannot detect reuse and does not try to.
//
// The associated data is authenticated but not encrypted; pass "" when there
// is none. The returned ciphertext includes the Poly1305 authentication tag.
func Seal(key, plaintext, nonce []byte, associatedData string) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", misc.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", aead.NonceSize(), len(nonce))
	}

	var aad []byte
	if associatedData != "" {
		aad = []byte(associatedData)
	}

	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates a ciphertext produced by Seal.
//
// Any failure to verify the authentication tag - wrong key, corrupted
// ciphertext, corrupted nonce, mismatched associated data - returns
// ErrAuthenticationFailure. Callers must treat that as "cannot decrypt" and
// never fall back to another key or interpretation.
func Open(key, ciphertext, nonce []byte, associatedData string) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", misc.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrAuthenticationFailure)
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthenticationFailure)
	}

	var aad []byte
	if associatedData != "" {
		aad = []byte(associatedData)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}

	return plaintext, nil
}

// SealPayload seals plaintext under key with a freshly generated random
// nonce and returns the hex-encoded at-rest payload.
func SealPayload(key, plaintext []byte, associatedData string) (EncryptedPayload, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return EncryptedPayload{}, err
	}

	ciphertext, err := Seal(key, plaintext, nonce, associatedData)
	if err != nil {
		return EncryptedPayload{}, err
	}

	return EncryptedPayload{
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, nil
}

// OpenPayload decodes an at-rest payload and opens it under key.
func OpenPayload(key []byte, payload EncryptedPayload, associatedData string) ([]byte, error) {
	nonce, err := hex.DecodeString(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed nonce encoding", ErrAuthenticationFailure)
	}

	ciphertext, err := hex.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext encoding", ErrAuthenticationFailure)
	}

	return Open(key, ciphertext, nonce, associatedData)
}

// RandomNonce returns a fresh 96-bit nonce from the system CSPRNG.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, misc.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

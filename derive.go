package teamvault

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/teamvault/internal/misc"
)

// Protocol labels for the wrapping-key derivation chain. These are fixed
// constants of the wire protocol: both sides of a share must derive with
// identical labels or unwrapping fails as an authentication failure.
const (
	// WrappingInfoLabel is the HKDF info string for wrapping-key derivation.
	WrappingInfoLabel = "teamvault-wrapping"

	// WrappingContextLabel is the context signed to turn the derived HMAC
	// key into an AEAD wrapping key.
	WrappingContextLabel = "derivation"
)

// PasswordToMasterKey derives a user's 256-bit master key from their
// password and per-user salt with PBKDF2-SHA256 at 100,000 iterations.
//
// The derivation is deterministic: identical password and salt always yield
// the identical key, which is what makes login and private-key recovery
// possible without the server ever seeing the password. A wrong password
// yields a well-formed but different key; the mistake only surfaces later as
// ErrAuthenticationFailure when that key fails to open an envelope. That is
// intentional - nothing in the system can distinguish "wrong password" from
// "corrupted ciphertext".
func PasswordToMasterKey(password string, salt []byte) (*SymmetricKeyHandle, error) {
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("salt too short: need at least %d bytes", misc.SaltSize)
	}

	key := pbkdf2.Key([]byte(password), salt, misc.KDFIterations, misc.KeySize, sha256.New)
	return newSymmetricKeyHandle(key), nil
}

// GenerateSalt returns a fresh random per-user derivation salt. Salts are
// public values; they exist to make each user's derivation unique, not to be
// kept secret.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(misc.SaltSize)
}

// DeriveWrappingKeys runs the two-output extract/expand chain that turns an
// ECDH shared secret into wrapping key material.
//
// The chain, matching the wire protocol exactly:
//
//	ikm   = HMAC-SHA256(sharedSecret[:32], "0")
//	salt1 = HMAC-SHA256(zeroKey, "salt1")
//	salt2 = HMAC-SHA256(zeroKey, "salt2")
//	keyA  = HKDF-SHA256(ikm, salt1, infoLabel)[:32]
//	keyB  = HKDF-SHA256(ikm, salt2, infoLabel)[:32]
//
// where zeroKey is a fixed all-zero 32-byte HMAC key. Both outputs are
// always produced for determinism; the wrapping protocol consumes only keyA.
// keyB is reserved and has no consumer - do not invent one.
func DeriveWrappingKeys(sharedSecret []byte, infoLabel string) (keyA, keyB []byte, err error) {
	if len(sharedSecret) < misc.KeySize {
		return nil, nil, fmt.Errorf("shared secret too short")
	}

	// The shared secret is used as an HMAC-SHA-256 key, truncated to the
	// HMAC key length the exchange negotiated.
	ikm := hmacSum(sharedSecret[:misc.KeySize], "0")

	zeroKey := make([]byte, misc.KeySize)
	salt1 := hmacSum(zeroKey, "salt1")
	salt2 := hmacSum(zeroKey, "salt2")

	keyA, err = hkdfExpand(ikm, salt1, infoLabel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive first wrapping key: %w", err)
	}
	keyB, err = hkdfExpand(ikm, salt2, infoLabel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive second wrapping key: %w", err)
	}
	return keyA, keyB, nil
}

// DeriveSymmetricFromHMACKey derives an AEAD-capable key by signing a
// context label with an HMAC key and using the MAC bytes as the raw key.
func DeriveSymmetricFromHMACKey(hmacKey []byte, contextLabel string) []byte {
	return hmacSum(hmacKey, contextLabel)
}

func hmacSum(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hkdfExpand(ikm, salt []byte, info string) ([]byte, error) {
	out := make([]byte, misc.KeySize)
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

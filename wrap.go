package teamvault

import (
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
)

// Key wrapping lets a per-secret symmetric key K be made decryptable by a
// chosen recipient without K, or any password, ever reaching the server.
//
// Wrapping K for recipient R:
//
//  1. Generate a fresh ephemeral P-384 keypair.
//  2. sharedSecret = ECDH(ephemeralPrivate, R.public_key)
//  3. Derive the wrapping key: DeriveWrappingKeys(sharedSecret,
//     "teamvault-wrapping") then DeriveSymmetricFromHMACKey(keyA,
//     "derivation").
//  4. Seal K under the wrapping key with a fresh nonce.
//  5. Emit {ephemeral_public_key, nonce, ciphertext}.
//
// R unwraps by running ECDH with their own private key against the stored
// ephemeral public key - the same shared secret by ECDH symmetry - and
// re-deriving the identical wrapping key.
//
// Every wrap uses a fresh ephemeral keypair: wrapping the same K for two
// recipients, or twice for the same recipient, never reuses a wrapping key.

// WrapKey seals the raw symmetric key for the given recipient public key.
func WrapKey(key []byte, recipient JWK) (WrappedKey, error) {
	if len(key) == 0 {
		return WrappedKey{}, fmt.Errorf("empty key")
	}

	ephemeral, err := GenerateAgreementKeyHandle()
	if err != nil {
		return WrappedKey{}, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	defer ephemeral.Destroy()

	shared, err := ephemeral.ComputeSharedSecret(recipient)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("key agreement with recipient failed: %w", err)
	}
	defer memguard.WipeBytes(shared)

	wrappingKey, err := deriveWrappingKey(shared)
	if err != nil {
		return WrappedKey{}, err
	}
	defer memguard.WipeBytes(wrappingKey)

	nonce, err := RandomNonce()
	if err != nil {
		return WrappedKey{}, err
	}

	ciphertext, err := Seal(wrappingKey, key, nonce, "")
	if err != nil {
		return WrappedKey{}, fmt.Errorf("failed to seal key: %w", err)
	}

	return WrappedKey{
		EphemeralPublicKey: ephemeral.PublicKey(),
		Nonce:              hex.EncodeToString(nonce),
		Ciphertext:         hex.EncodeToString(ciphertext),
	}, nil
}

// UnwrapKey recovers the raw symmetric key from a wrapped-key entry using
// the recipient's private key handle. Mismatched or corrupted key material
// surfaces as ErrAuthenticationFailure; callers present it as "you may not
// have access to this", never as cryptographic detail.
func UnwrapKey(wrapped WrappedKey, private *AgreementKeyHandle) ([]byte, error) {
	shared, err := private.ComputeSharedSecret(wrapped.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer memguard.WipeBytes(shared)

	wrappingKey, err := deriveWrappingKey(shared)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(wrappingKey)

	return OpenPayload(wrappingKey, EncryptedPayload{
		Nonce:      wrapped.Nonce,
		Ciphertext: wrapped.Ciphertext,
	}, "")
}

func deriveWrappingKey(shared []byte) ([]byte, error) {
	keyA, keyB, err := DeriveWrappingKeys(shared, WrappingInfoLabel)
	if err != nil {
		return nil, fmt.Errorf("wrapping key derivation failed: %w", err)
	}
	// The second output is reserved; wipe it immediately.
	memguard.WipeBytes(keyB)

	wrappingKey := DeriveSymmetricFromHMACKey(keyA, WrappingContextLabel)
	memguard.WipeBytes(keyA)
	return wrappingKey, nil
}

package teamvault

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	testCases := [][]byte{
		[]byte("Hello, World!"),
		[]byte("Special chars: !@#$%^&*()_+{}|"),
		[]byte("Unicode: こんにちは"),
		bytes.Repeat([]byte("A"), 1024),
		make([]byte, 10241),
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprintf("Case_%d", i), func(t *testing.T) {
			payload, err := SealPayload(key, tc, "secret-123")
			if err != nil {
				t.Fatalf("Failed to seal: %v", err)
			}
			if payload.Nonce == "" || payload.Ciphertext == "" {
				t.Fatal("Sealed payload has empty fields")
			}

			plaintext, err := OpenPayload(key, payload, "secret-123")
			if err != nil {
				t.Fatalf("Failed to open: %v", err)
			}
			if !bytes.Equal(plaintext, tc) {
				t.Errorf("Decrypted text doesn't match original.\nExpected: %q\nGot: %q",
					string(tc), string(plaintext))
			}
		})
	}
}

func TestSealProducesFreshNonces(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	a, err := SealPayload(key, []byte("same plaintext"), "")
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	b, err := SealPayload(key, []byte("same plaintext"), "")
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if a.Nonce == b.Nonce {
		t.Error("Two seals of the same plaintext reused a nonce")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("Two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	payload, err := SealPayload(key, []byte("integrity protected"), "secret-123")
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	t.Run("FlippedCiphertextBit", func(t *testing.T) {
		raw, err := hex.DecodeString(payload.Ciphertext)
		if err != nil {
			t.Fatalf("Failed to decode ciphertext: %v", err)
		}
		raw[0] ^= 0x01
		tampered := payload
		tampered.Ciphertext = hex.EncodeToString(raw)

		if _, err = OpenPayload(key, tampered, "secret-123"); err == nil {
			t.Error("Open accepted a tampered ciphertext")
		}
	})

	t.Run("WrongAssociatedData", func(t *testing.T) {
		if _, err := OpenPayload(key, payload, "secret-456"); err == nil {
			t.Error("Open accepted a payload bound to a different secret ID")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		other := make([]byte, 32)
		if _, err := rand.Read(other); err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		if _, err := OpenPayload(other, payload, "secret-123"); err == nil {
			t.Error("Open accepted a payload under the wrong key")
		}
	})
}

func TestPasswordDerivationDeterminism(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	k1, err := PasswordToMasterKey("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer k1.Destroy()

	k2, err := PasswordToMasterKey("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer k2.Destroy()

	h1, err := k1.AuthHash()
	if err != nil {
		t.Fatalf("Failed to compute auth hash: %v", err)
	}
	h2, err := k2.AuthHash()
	if err != nil {
		t.Fatalf("Failed to compute auth hash: %v", err)
	}
	if h1 != h2 {
		t.Error("Same password and salt derived different keys")
	}

	otherSalt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}
	k3, err := PasswordToMasterKey("correct horse battery staple", otherSalt)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer k3.Destroy()

	h3, err := k3.AuthHash()
	if err != nil {
		t.Fatalf("Failed to compute auth hash: %v", err)
	}
	if h1 == h3 {
		t.Error("Different salts derived the same key")
	}
}

func TestDeriveWrappingKeys(t *testing.T) {
	shared := make([]byte, 48)
	if _, err := rand.Read(shared); err != nil {
		t.Fatalf("Failed to generate shared secret: %v", err)
	}

	keyA1, keyB1, err := DeriveWrappingKeys(shared, "teamvault-wrapping")
	if err != nil {
		t.Fatalf("Failed to derive wrapping keys: %v", err)
	}
	keyA2, keyB2, err := DeriveWrappingKeys(shared, "teamvault-wrapping")
	if err != nil {
		t.Fatalf("Failed to derive wrapping keys: %v", err)
	}

	if !bytes.Equal(keyA1, keyA2) || !bytes.Equal(keyB1, keyB2) {
		t.Error("Derivation is not deterministic for the same inputs")
	}
	if bytes.Equal(keyA1, keyB1) {
		t.Error("The two derived keys must be independent")
	}
	if len(keyA1) != 32 || len(keyB1) != 32 {
		t.Errorf("Derived keys must be 32 bytes, got %d and %d", len(keyA1), len(keyB1))
	}

	// A different label yields unrelated keys from the same secret.
	keyA3, _, err := DeriveWrappingKeys(shared, "derivation")
	if err != nil {
		t.Fatalf("Failed to derive wrapping keys: %v", err)
	}
	if bytes.Equal(keyA1, keyA3) {
		t.Error("Different labels derived the same key")
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	recipient, err := GenerateAgreementKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate recipient key: %v", err)
	}
	defer recipient.Destroy()

	secretKey := make([]byte, 32)
	if _, err = rand.Read(secretKey); err != nil {
		t.Fatalf("Failed to generate secret key: %v", err)
	}

	wrapped, err := WrapKey(secretKey, recipient.PublicKey())
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}
	if wrapped.EphemeralPublicKey.X == "" || wrapped.EphemeralPublicKey.Y == "" {
		t.Fatal("Wrapped key is missing the ephemeral public key")
	}

	unwrapped, err := UnwrapKey(wrapped, recipient)
	if err != nil {
		t.Fatalf("Failed to unwrap key: %v", err)
	}
	if !bytes.Equal(unwrapped, secretKey) {
		t.Error("Unwrapped key doesn't match the original")
	}
}

func TestUnwrapWrongRecipient(t *testing.T) {
	recipient, err := GenerateAgreementKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate recipient key: %v", err)
	}
	defer recipient.Destroy()

	attacker, err := GenerateAgreementKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate attacker key: %v", err)
	}
	defer attacker.Destroy()

	secretKey := make([]byte, 32)
	if _, err = rand.Read(secretKey); err != nil {
		t.Fatalf("Failed to generate secret key: %v", err)
	}

	wrapped, err := WrapKey(secretKey, recipient.PublicKey())
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}

	if _, err = UnwrapKey(wrapped, attacker); err == nil {
		t.Error("A non-recipient private key unwrapped the key")
	}
}

func TestWrapUsesFreshEphemeralKeys(t *testing.T) {
	recipient, err := GenerateAgreementKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate recipient key: %v", err)
	}
	defer recipient.Destroy()

	secretKey := make([]byte, 32)
	if _, err = rand.Read(secretKey); err != nil {
		t.Fatalf("Failed to generate secret key: %v", err)
	}

	w1, err := WrapKey(secretKey, recipient.PublicKey())
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}
	w2, err := WrapKey(secretKey, recipient.PublicKey())
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}

	if w1.EphemeralPublicKey.Equal(w2.EphemeralPublicKey) {
		t.Error("Two wraps reused the same ephemeral key")
	}
}

func TestSignatureLifecycle(t *testing.T) {
	signer, err := GenerateSigningKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate signing key: %v", err)
	}
	defer signer.Destroy()

	message := []byte(`{"serial_number":"abc","user_id":"u1"}`)
	sig, err := signer.Sign(message)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	raw, err := hex.DecodeString(sig)
	if err != nil {
		t.Fatalf("Signature is not valid hex: %v", err)
	}
	if len(raw) != 96 {
		t.Errorf("P-384 signature must be 96 bytes (r||s), got %d", len(raw))
	}

	ok, err := VerifySignature(signer.PublicKey(), message, sig)
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if !ok {
		t.Error("Valid signature did not verify")
	}

	ok, err = VerifySignature(signer.PublicKey(), []byte("different message"), sig)
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if ok {
		t.Error("Signature verified against a different message")
	}

	other, err := GenerateSigningKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate signing key: %v", err)
	}
	defer other.Destroy()

	ok, err = VerifySignature(other.PublicKey(), message, sig)
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if ok {
		t.Error("Signature verified under the wrong public key")
	}
}

func TestAgreementKeySharedSecretAgreement(t *testing.T) {
	alice, err := GenerateAgreementKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer alice.Destroy()

	bob, err := GenerateAgreementKeyHandle()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer bob.Destroy()

	s1, err := alice.ComputeSharedSecret(bob.PublicKey())
	if err != nil {
		t.Fatalf("Failed to compute shared secret: %v", err)
	}
	s2, err := bob.ComputeSharedSecret(alice.PublicKey())
	if err != nil {
		t.Fatalf("Failed to compute shared secret: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("ECDH shared secrets disagree")
	}
}

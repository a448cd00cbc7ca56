package teamvault

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/awnumar/memguard"
)

// Key handles realize the non-extractable key convention: a handle exposes
// only capability methods (seal, open, sign, derive) and no raw-bytes
// getter. The property is enforced by the type surface - no export method
// exists - rather than by a runtime flag. Key material lives in memguard
// enclaves and is wiped after each use.

// SymmetricKeyHandle holds a 256-bit AEAD key, typically a user's master key
// derived from their password. The raw key never leaves the handle; callers
// get seal/open capabilities and a one-way auth hash.
type SymmetricKeyHandle struct {
	enclave *memguard.Enclave
}

func newSymmetricKeyHandle(raw []byte) *SymmetricKeyHandle {
	// NewEnclave wipes the source slice.
	return &SymmetricKeyHandle{enclave: memguard.NewEnclave(raw)}
}

// GenerateSymmetricKeyHandle creates a handle over a fresh random 256-bit key.
func GenerateSymmetricKeyHandle() (*SymmetricKeyHandle, error) {
	raw, err := RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return newSymmetricKeyHandle(raw), nil
}

func (h *SymmetricKeyHandle) withKey(fn func(key []byte) error) error {
	if h == nil || h.enclave == nil {
		return fmt.Errorf("key handle is empty")
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to access key material: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// SealPayload seals plaintext under the handled key with a fresh nonce and
// returns the hex-encoded at-rest payload.
func (h *SymmetricKeyHandle) SealPayload(plaintext []byte, associatedData string) (EncryptedPayload, error) {
	var payload EncryptedPayload
	err := h.withKey(func(key []byte) error {
		var inner error
		payload, inner = SealPayload(key, plaintext, associatedData)
		return inner
	})
	return payload, err
}

// OpenPayload opens an at-rest payload under the handled key. A wrong key
// surfaces as ErrAuthenticationFailure, indistinguishable from tampering.
func (h *SymmetricKeyHandle) OpenPayload(payload EncryptedPayload, associatedData string) ([]byte, error) {
	var plaintext []byte
	err := h.withKey(func(key []byte) error {
		var inner error
		plaintext, inner = OpenPayload(key, payload, associatedData)
		return inner
	})
	return plaintext, err
}

// AuthHash returns hex(SHA-256(raw key)). This is the only value derived
// from the key that ever travels to the server; it is used solely for login
// comparison and cannot be inverted to the key or the password.
func (h *SymmetricKeyHandle) AuthHash() (string, error) {
	var out string
	err := h.withKey(func(key []byte) error {
		sum := sha256.Sum256(key)
		out = hex.EncodeToString(sum[:])
		return nil
	})
	return out, err
}

// Destroy renders the handle unusable. Safe to call on nil.
func (h *SymmetricKeyHandle) Destroy() {
	if h != nil {
		h.enclave = nil
	}
}

// AgreementKeyHandle holds a P-384 ECDH private key. It can report its
// public half and run key agreement; the private scalar is not exportable.
type AgreementKeyHandle struct {
	enclave *memguard.Enclave
	public  JWK
}

// GenerateAgreementKeyHandle creates a fresh P-384 key-agreement keypair.
func GenerateAgreementKeyHandle() (*AgreementKeyHandle, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key agreement keypair: %w", err)
	}
	return newAgreementKeyHandle(priv)
}

func newAgreementKeyHandle(priv *ecdh.PrivateKey) (*AgreementKeyHandle, error) {
	pub, err := ECDHPublicKeyToJWK(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &AgreementKeyHandle{
		enclave: memguard.NewEnclave(priv.Bytes()),
		public:  pub,
	}, nil
}

// AgreementKeyHandleFromBytes rebuilds a handle from a raw private scalar,
// e.g. one just unsealed from a user's encrypted_private_key. The input
// slice is wiped.
func AgreementKeyHandleFromBytes(raw []byte) (*AgreementKeyHandle, error) {
	priv, err := ecdh.P384().NewPrivateKey(raw)
	if err != nil {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("invalid P-384 private key: %w", err)
	}
	h, err := newAgreementKeyHandle(priv)
	memguard.WipeBytes(raw)
	return h, err
}

// PublicKey returns the public half as a JWK.
func (h *AgreementKeyHandle) PublicKey() JWK {
	return h.public
}

// ComputeSharedSecret runs ECDH against a peer public key and returns the
// raw shared key material. By ECDH symmetry both sides of an exchange
// obtain the same value. The result feeds the wrapping-key derivation chain
// and must be wiped by the caller after use.
func (h *AgreementKeyHandle) ComputeSharedSecret(peer JWK) ([]byte, error) {
	if h == nil || h.enclave == nil {
		return nil, fmt.Errorf("key handle is empty")
	}

	peerKey, err := JWKToECDHPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}

	buf, err := h.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer buf.Destroy()

	priv, err := ecdh.P384().NewPrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("corrupted private key material: %w", err)
	}

	shared, err := priv.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return shared, nil
}

// sealScalar seals the private scalar under the given symmetric handle,
// producing the encrypted_private_key payload stored server-side at
// registration. This is the one place private key material crosses between
// handles, and it does so sealed.
func (h *AgreementKeyHandle) sealScalar(master *SymmetricKeyHandle) (EncryptedPayload, error) {
	if h == nil || h.enclave == nil {
		return EncryptedPayload{}, fmt.Errorf("key handle is empty")
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return EncryptedPayload{}, fmt.Errorf("failed to access key material: %w", err)
	}
	defer buf.Destroy()
	return master.SealPayload(buf.Bytes(), "")
}

// Destroy renders the handle unusable. Safe to call on nil.
func (h *AgreementKeyHandle) Destroy() {
	if h != nil {
		h.enclave = nil
	}
}

// SigningKeyHandle holds a P-384 ECDSA private key, used by the certificate
// authority. It signs; it does not export.
type SigningKeyHandle struct {
	enclave *memguard.Enclave
	public  JWK
}

// GenerateSigningKeyHandle creates a fresh P-384 signing keypair.
func GenerateSigningKeyHandle() (*SigningKeyHandle, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing keypair: %w", err)
	}
	return newSigningKeyHandle(priv)
}

func newSigningKeyHandle(priv *ecdsa.PrivateKey) (*SigningKeyHandle, error) {
	pub, err := ECDSAPublicKeyToJWK(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	d := make([]byte, coordSize)
	priv.D.FillBytes(d)
	return &SigningKeyHandle{
		enclave: memguard.NewEnclave(d),
		public:  pub,
	}, nil
}

// SigningKeyHandleFromScalar rebuilds a handle from a raw private scalar
// loaded from persisted CA key material. The input slice is wiped.
func SigningKeyHandleFromScalar(raw []byte) (*SigningKeyHandle, error) {
	if len(raw) != coordSize {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("invalid signing key length")
	}

	priv := new(ecdsa.PrivateKey)
	priv.Curve = elliptic.P384()
	priv.D = new(big.Int).SetBytes(raw)
	priv.X, priv.Y = priv.Curve.ScalarBaseMult(raw)
	memguard.WipeBytes(raw)

	if priv.D.Sign() == 0 {
		return nil, fmt.Errorf("invalid signing key")
	}
	return newSigningKeyHandle(priv)
}

// PublicKey returns the verifying half as a JWK.
func (h *SigningKeyHandle) PublicKey() JWK {
	return h.public
}

// Sign signs SHA-384(message) with ECDSA and returns the signature as a
// lowercase hex string in raw r||s form (48 bytes each), the same wire form
// browser clients produce and verify.
func (h *SigningKeyHandle) Sign(message []byte) (string, error) {
	if h == nil || h.enclave == nil {
		return "", fmt.Errorf("key handle is empty")
	}

	buf, err := h.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to access key material: %w", err)
	}
	defer buf.Destroy()

	priv := new(ecdsa.PrivateKey)
	priv.Curve = elliptic.P384()
	priv.D = new(big.Int).SetBytes(buf.Bytes())
	priv.X, priv.Y = priv.Curve.ScalarBaseMult(buf.Bytes())

	digest := sha512.Sum384(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}

	sig := make([]byte, 2*coordSize)
	r.FillBytes(sig[:coordSize])
	s.FillBytes(sig[coordSize:])
	return hex.EncodeToString(sig), nil
}

// exportScalar writes the private scalar for persistence. Package-private:
// only the CA key loader uses it, and the result goes straight into a
// 0600-permission file.
func (h *SigningKeyHandle) exportScalar() ([]byte, error) {
	if h == nil || h.enclave == nil {
		return nil, fmt.Errorf("key handle is empty")
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer buf.Destroy()
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Destroy renders the handle unusable. Safe to call on nil.
func (h *SigningKeyHandle) Destroy() {
	if h != nil {
		h.enclave = nil
	}
}

// VerifySignature checks a raw r||s hex ECDSA P-384 signature over
// SHA-384(message) against the given public key. A malformed signature or
// key verifies as false with an error describing why; a well-formed but
// wrong signature verifies as false with no error.
func VerifySignature(pub JWK, message []byte, signatureHex string) (bool, error) {
	key, err := JWKToECDSAPublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("invalid verifying key: %w", err)
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("malformed signature encoding: %w", err)
	}
	if len(sig) != 2*coordSize {
		return false, fmt.Errorf("invalid signature length")
	}

	r := new(big.Int).SetBytes(sig[:coordSize])
	s := new(big.Int).SetBytes(sig[coordSize:])
	digest := sha512.Sum384(message)
	return ecdsa.Verify(key, digest[:], r, s), nil
}

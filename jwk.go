package teamvault

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	jwkKeyType = "EC"
	jwkCurve   = "P-384"

	// coordSize is the byte length of a P-384 coordinate.
	coordSize = 48
)

// JWK is the JSON Web Key form of a P-384 public key, the structure users
// and certificates carry at rest and on the wire. Field order is part of the
// canonical serialization: certificates are signed over the exact bytes this
// struct marshals to.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Equal reports whether two JWKs carry the same key.
func (k JWK) Equal(other JWK) bool {
	return k.Kty == other.Kty && k.Crv == other.Crv && k.X == other.X && k.Y == other.Y
}

func (k JWK) validate() error {
	if k.Kty != jwkKeyType {
		return fmt.Errorf("unsupported key type %q", k.Kty)
	}
	if k.Crv != jwkCurve {
		return fmt.Errorf("unsupported curve %q", k.Crv)
	}
	if k.X == "" || k.Y == "" {
		return fmt.Errorf("missing coordinate")
	}
	return nil
}

func (k JWK) coordinates() (x, y []byte, err error) {
	if err = k.validate(); err != nil {
		return nil, nil, err
	}
	x, err = base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed x coordinate: %w", err)
	}
	y, err = base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed y coordinate: %w", err)
	}
	if len(x) != coordSize || len(y) != coordSize {
		return nil, nil, fmt.Errorf("invalid coordinate length")
	}
	return x, y, nil
}

func jwkFromCoordinates(x, y []byte) JWK {
	return JWK{
		Kty: jwkKeyType,
		Crv: jwkCurve,
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

// ECDHPublicKeyToJWK exports a P-384 key-agreement public key.
func ECDHPublicKeyToJWK(pub *ecdh.PublicKey) (JWK, error) {
	raw := pub.Bytes()
	// Uncompressed point: 0x04 || X || Y
	if len(raw) != 1+2*coordSize || raw[0] != 0x04 {
		return JWK{}, fmt.Errorf("unexpected public key encoding")
	}
	return jwkFromCoordinates(raw[1:1+coordSize], raw[1+coordSize:]), nil
}

// JWKToECDHPublicKey imports a key-agreement public key, validating that the
// point is on the P-384 curve.
func JWKToECDHPublicKey(k JWK) (*ecdh.PublicKey, error) {
	x, y, err := k.coordinates()
	if err != nil {
		return nil, fmt.Errorf("invalid JWK: %w", err)
	}

	point := make([]byte, 1+2*coordSize)
	point[0] = 0x04
	copy(point[1:1+coordSize], x)
	copy(point[1+coordSize:], y)

	pub, err := ecdh.P384().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("invalid P-384 point: %w", err)
	}
	return pub, nil
}

// ECDSAPublicKeyToJWK exports a P-384 signing public key.
func ECDSAPublicKeyToJWK(pub *ecdsa.PublicKey) (JWK, error) {
	if pub.Curve != elliptic.P384() {
		return JWK{}, fmt.Errorf("unsupported curve")
	}
	x := make([]byte, coordSize)
	y := make([]byte, coordSize)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return jwkFromCoordinates(x, y), nil
}

// JWKToECDSAPublicKey imports a signing public key.
func JWKToECDSAPublicKey(k JWK) (*ecdsa.PublicKey, error) {
	x, y, err := k.coordinates()
	if err != nil {
		return nil, fmt.Errorf("invalid JWK: %w", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P384(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("invalid P-384 point")
	}
	return pub, nil
}

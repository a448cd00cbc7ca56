package teamvault

import (
	"fmt"
)

// Session is the client-side view of an authenticated user: the
// password-derived master key and the unsealed key-agreement private key,
// both held as non-extractable handles. A Session never travels; it exists
// in the memory of the process that knows the password and nowhere else.
type Session struct {
	UserID    string
	Email     string
	PublicKey JWK

	masterKey  *SymmetricKeyHandle
	privateKey *AgreementKeyHandle
}

// NewSession assembles a session from a user record and the master key
// handle derived from their password. It unseals the user's
// encrypted_private_key under the master key; a wrong password surfaces
// here as ErrAuthenticationFailure.
func NewSession(user *User, masterKey *SymmetricKeyHandle) (*Session, error) {
	scalar, err := masterKey.OpenPayload(user.EncryptedPrivateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to unseal private key: %w", err)
	}

	privateKey, err := AgreementKeyHandleFromBytes(scalar)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	return &Session{
		UserID:     user.ID,
		Email:      user.Email,
		PublicKey:  user.PublicKey,
		masterKey:  masterKey,
		privateKey: privateKey,
	}, nil
}

// PrivateKey returns the session's key-agreement handle for unwrapping
// shared secret keys.
func (s *Session) PrivateKey() *AgreementKeyHandle {
	return s.privateKey
}

// MasterKey returns the session's master key handle.
func (s *Session) MasterKey() *SymmetricKeyHandle {
	return s.masterKey
}

// Close destroys the session's key handles. The session is unusable
// afterwards; a new login is required.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.masterKey.Destroy()
	s.privateKey.Destroy()
}

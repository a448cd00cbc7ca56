package teamvault

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/teamvault/audit"
	"southwinds.dev/teamvault/internal/misc"
)

const minPasswordLength = 8

// AuthService implements zero-knowledge registration and login. The server
// side of the exchange only ever sees the public salt, the public key and
// the one-way auth hash; passwords, master keys and private keys stay in
// the client process.
type AuthService struct {
	store  Store
	logger audit.Logger
	gate   LoginGate
}

// NewAuthService creates an AuthService. A nil logger disables auditing and
// a nil gate falls back to the default exponential-backoff login gate.
func NewAuthService(store Store, logger audit.Logger, gate LoginGate) *AuthService {
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}
	if gate == nil {
		gate = NewBackoffGate()
	}
	return &AuthService{store: store, logger: logger, gate: gate}
}

// Register creates a new identity and returns a live session for it.
//
// All key material is derived locally: a fresh salt, the PBKDF2 master key,
// a fresh P-384 key-agreement keypair whose private half is sealed under
// the master key. The stored record contains only public or sealed values
// plus the auth hash, which is hex(SHA-256(master key)) and reveals neither
// the key nor the password.
func (a *AuthService) Register(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	masterKey, err := PasswordToMasterKey(password, salt)
	if err != nil {
		return nil, err
	}

	authHash, err := masterKey.AuthHash()
	if err != nil {
		masterKey.Destroy()
		return nil, err
	}

	keypair, err := GenerateAgreementKeyHandle()
	if err != nil {
		masterKey.Destroy()
		return nil, err
	}

	sealedPrivate, err := keypair.sealScalar(masterKey)
	if err != nil {
		masterKey.Destroy()
		keypair.Destroy()
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}

	user := &User{
		ID:                  uuid.NewString(),
		Email:               email,
		AuthHash:            authHash,
		PublicKey:           keypair.PublicKey(),
		EncryptedPrivateKey: sealedPrivate,
		Salt:                hex.EncodeToString(salt),
		SecretsVersion:      0,
		CreatedAt:           time.Now().UTC(),
	}

	if err = a.store.InsertUser(ctx, user); err != nil {
		masterKey.Destroy()
		keypair.Destroy()
		a.logger.Log(audit.ActionUserRegister, false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	a.logger.Log(audit.ActionUserRegister, true, map[string]interface{}{
		"user_id": user.ID,
	})

	session := &Session{
		UserID:     user.ID,
		Email:      user.Email,
		PublicKey:  user.PublicKey,
		masterKey:  masterKey,
		privateKey: keypair,
	}
	return session, nil
}

// Salt returns the derivation salt for an email, for clients that run the
// key derivation themselves. Unknown emails get a deterministic pseudo-salt
// derived from the email, so the response does not reveal whether an
// account exists.
func (a *AuthService) Salt(ctx context.Context, email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}

	user, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sum := sha256.Sum256([]byte("teamvault-salt:" + email))
			return hex.EncodeToString(sum[:misc.SaltSize]), nil
		}
		return "", err
	}
	return user.Salt, nil
}

// Login authenticates an email/password pair and returns a live session.
//
// The credential check is a constant-time comparison of auth hashes. Every
// failure path returns ErrAuthenticationFailure without distinguishing
// unknown email from wrong password, and every failure counts against the
// email's backoff gate.
func (a *AuthService) Login(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	if err = a.gate.Allow(email); err != nil {
		a.logger.Log(audit.ActionLogin, false, map[string]interface{}{
			"error": "throttled",
		})
		return nil, err
	}

	user, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, a.loginFailure(email, "unknown email")
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	salt, err := hex.DecodeString(user.Salt)
	if err != nil {
		return nil, fmt.Errorf("corrupted salt for user %s: %w", user.ID, err)
	}

	masterKey, err := PasswordToMasterKey(password, salt)
	if err != nil {
		return nil, err
	}

	authHash, err := masterKey.AuthHash()
	if err != nil {
		masterKey.Destroy()
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(authHash), []byte(user.AuthHash)) != 1 {
		masterKey.Destroy()
		return nil, a.loginFailure(email, "credential mismatch")
	}

	session, err := NewSession(user, masterKey)
	if err != nil {
		masterKey.Destroy()
		return nil, a.loginFailure(email, "private key unseal failed")
	}

	a.gate.RecordSuccess(email)
	a.logger.Log(audit.ActionLogin, true, map[string]interface{}{
		"user_id": user.ID,
	})
	return session, nil
}

func (a *AuthService) loginFailure(email, reason string) error {
	a.gate.RecordFailure(email)
	a.logger.Log(audit.ActionLogin, false, map[string]interface{}{
		"error": reason,
	})
	return fmt.Errorf("%w: invalid credentials", ErrAuthenticationFailure)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("invalid email address")
	}
	return email, nil
}

package teamvault

import (
	"fmt"

	"southwinds.dev/teamvault/audit"
)

// Options configures a Vault instance.
//
// Only operational wiring lives here. There is deliberately no field for a
// password, master key or other credential: all key material enters the
// system through Register and Login and stays inside Session handles. A
// serialized Options value therefore never contains anything sensitive
// except the path to the CA signing key file.
type Options struct {
	// AuditConfig selects the audit backend. Nil disables auditing.
	AuditConfig *audit.Config

	// Notifier receives vault events. Nil discards them.
	Notifier Notifier

	// LoginGate throttles authentication attempts. Nil selects the default
	// exponential-backoff gate.
	LoginGate LoginGate

	// SigningKeyPath is where the CA signing key lives on disk. Empty
	// generates an ephemeral in-memory key: certificates issued by it do
	// not survive a restart, which is only useful in tests.
	SigningKeyPath string
}

// Vault bundles the subsystem services over a shared store and audit
// logger. It is the assembly point, not an abstraction layer: callers work
// with the exposed services directly.
type Vault struct {
	Auth      *AuthService
	Secrets   *SecretService
	Integrity *IntegrityService
	Rotation  *RotationService
	CA        *CertificateAuthority

	store  Store
	logger audit.Logger
}

// New assembles a Vault over the given store.
func New(options Options, store Store) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}

	logger, err := audit.NewLogger(options.AuditConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	notifier := options.Notifier
	if notifier == nil {
		notifier = NoOpNotifier{}
	}

	var signingKey *SigningKeyHandle
	if options.SigningKeyPath != "" {
		signingKey, err = LoadOrCreateSigningKey(options.SigningKeyPath)
	} else {
		signingKey, err = GenerateSigningKeyHandle()
	}
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to initialize CA signing key: %w", err)
	}

	integrity := NewIntegrityService(store, logger, notifier)
	secrets := NewSecretService(store, logger, notifier, integrity)

	return &Vault{
		Auth:      NewAuthService(store, logger, options.LoginGate),
		Secrets:   secrets,
		Integrity: integrity,
		Rotation:  NewRotationService(secrets),
		CA:        NewCertificateAuthority(store, logger, notifier, signingKey),
		store:     store,
		logger:    logger,
	}, nil
}

// AuditLogger exposes the vault's audit logger for queries.
func (v *Vault) AuditLogger() audit.Logger {
	return v.logger
}

// Store exposes the underlying store, mainly for health checks.
func (v *Vault) Store() Store {
	return v.store
}

// Close stops background schedulers and releases the store and audit
// logger.
func (v *Vault) Close() error {
	v.Rotation.Stop()
	v.CA.Stop()

	var firstErr error
	if err := v.logger.Close(); err != nil {
		firstErr = err
	}
	if err := v.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

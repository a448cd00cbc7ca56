package misc

const (
	// KDFIterations is the PBKDF2-SHA256 iteration count for deriving the
	// master key from a password. Deliberately CPU-hard; changing it
	// invalidates every previously derived auth hash.
	KDFIterations = 100000

	// KeySize is the symmetric key length in bytes (256-bit AEAD keys).
	KeySize = 32

	// NonceSize is the AEAD nonce length in bytes (96 bits).
	NonceSize = 12

	// SaltSize is the per-user password derivation salt length in bytes.
	SaltSize = 16

	// SerialSize is the certificate serial number length in bytes before
	// hex encoding.
	SerialSize = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute
)

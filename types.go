package teamvault

import (
	"fmt"
	"time"
)

// Role classifies what a member of a secret's access list may do. The
// role→permission mapping is fixed: permissions are derived from the role at
// grant time and never edited independently.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleSharer Role = "sharer"
	RoleViewer Role = "viewer"
)

// Permissions is the expanded form of a role, stored alongside it on each
// access-list entry so reads never need the mapping.
type Permissions struct {
	CanRead   bool `json:"can_read"`
	CanEdit   bool `json:"can_edit"`
	CanShare  bool `json:"can_share"`
	CanDelete bool `json:"can_delete"`
}

// PermissionsForRole returns the fixed permission set for a role.
//
//	role   | read | edit | share | delete
//	owner  |  ✓   |  ✓   |   ✓   |   ✓
//	editor |  ✓   |  ✓   |   ✓   |   ✗
//	sharer |  ✓   |  ✗   |   ✓   |   ✗
//	viewer |  ✓   |  ✗   |   ✗   |   ✗
func PermissionsForRole(role Role) (Permissions, error) {
	switch role {
	case RoleOwner:
		return Permissions{CanRead: true, CanEdit: true, CanShare: true, CanDelete: true}, nil
	case RoleEditor:
		return Permissions{CanRead: true, CanEdit: true, CanShare: true}, nil
	case RoleSharer:
		return Permissions{CanRead: true, CanShare: true}, nil
	case RoleViewer:
		return Permissions{CanRead: true}, nil
	default:
		return Permissions{}, fmt.Errorf("unknown role %q", role)
	}
}

// WrappedKey is a per-secret symmetric key K sealed for one recipient. The
// ciphertext is K encrypted under a wrapping key derived from an ECDH
// exchange between a single-use ephemeral keypair and the recipient's
// public key.
type WrappedKey struct {
	EphemeralPublicKey JWK    `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
	Ciphertext         string `json:"ciphertext"`
}

// AccessEntry grants one user access to one secret.
type AccessEntry struct {
	UserID      string      `json:"user_id"`
	Role        Role        `json:"role"`
	Permissions Permissions `json:"permissions"`
	WrappedKey  WrappedKey  `json:"wrapped_key"`
	GrantedAt   time.Time   `json:"granted_at"`
	GrantedBy   string      `json:"granted_by"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has an expiry in the past.
func (e AccessEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// KeyVersion records one generation of a secret's encryption key for
// forward-secrecy rotation. Superseded versions carry an expiry after which
// the cleanup sweep removes them.
type KeyVersion struct {
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RotationPolicy controls automatic key rotation for a secret.
type RotationPolicy struct {
	AutoRotate           bool       `json:"auto_rotate"`
	RotationIntervalDays int        `json:"rotation_interval_days,omitempty"`
	LastRotation         *time.Time `json:"last_rotation,omitempty"`
	NextRotation         *time.Time `json:"next_rotation,omitempty"`
}

// Secret is the server-side record of one encrypted secret. The server only
// ever holds the ciphertext and per-recipient wrapped keys; the plaintext
// and the key K exist client-side only.
//
// Field ownership: the secret record manager owns access_list, version and
// checksum; the rotation scheduler owns current_version, key_versions and
// rotation_policy. Version only ever increases.
type Secret struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	OwnerID        string           `json:"owner_id"`
	Category       string           `json:"category,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	EncryptedData  EncryptedPayload `json:"encrypted_data"`
	AccessList     []AccessEntry    `json:"access_list"`
	Version        int64            `json:"version"`
	Checksum       string           `json:"checksum"`
	KeyVersions    []KeyVersion     `json:"key_versions,omitempty"`
	CurrentVersion int              `json:"current_version"`
	RotationPolicy RotationPolicy   `json:"rotation_policy"`
	Expiration     *time.Time       `json:"expiration,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Entry returns the access-list entry for a user, or nil.
func (s *Secret) Entry(userID string) *AccessEntry {
	for i := range s.AccessList {
		if s.AccessList[i].UserID == userID {
			return &s.AccessList[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the secret.
func (s *Secret) Clone() *Secret {
	out := *s
	out.AccessList = make([]AccessEntry, len(s.AccessList))
	copy(out.AccessList, s.AccessList)
	for i := range out.AccessList {
		if s.AccessList[i].ExpiresAt != nil {
			t := *s.AccessList[i].ExpiresAt
			out.AccessList[i].ExpiresAt = &t
		}
	}
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.KeyVersions != nil {
		out.KeyVersions = make([]KeyVersion, len(s.KeyVersions))
		copy(out.KeyVersions, s.KeyVersions)
		for i := range out.KeyVersions {
			if s.KeyVersions[i].ExpiresAt != nil {
				t := *s.KeyVersions[i].ExpiresAt
				out.KeyVersions[i].ExpiresAt = &t
			}
		}
	}
	if s.RotationPolicy.LastRotation != nil {
		t := *s.RotationPolicy.LastRotation
		out.RotationPolicy.LastRotation = &t
	}
	if s.RotationPolicy.NextRotation != nil {
		t := *s.RotationPolicy.NextRotation
		out.RotationPolicy.NextRotation = &t
	}
	if s.Expiration != nil {
		t := *s.Expiration
		out.Expiration = &t
	}
	return &out
}

// User is the server-side identity record. auth_hash, public_key,
// encrypted_private_key and salt are immutable after registration;
// secrets_version and collection_checksum belong to the integrity subsystem
// and move on every mutation touching the user's visible secret set.
type User struct {
	ID                  string           `json:"id"`
	Email               string           `json:"email"`
	AuthHash            string           `json:"auth_hash"`
	PublicKey           JWK              `json:"public_key"`
	EncryptedPrivateKey EncryptedPayload `json:"encrypted_private_key"`
	Salt                string           `json:"salt"` // hex-encoded, public
	SecretsVersion      int64            `json:"secrets_version"`
	CollectionChecksum  string           `json:"collection_checksum,omitempty"`
	LastChecksumUpdate  *time.Time       `json:"last_checksum_update,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	out := *u
	if u.LastChecksumUpdate != nil {
		t := *u.LastChecksumUpdate
		out.LastChecksumUpdate = &t
	}
	return &out
}

// CertificateStatus is the lifecycle state of a certificate. Valid is the
// only live state; revoked and expired are terminal.
type CertificateStatus string

const (
	CertStatusValid   CertificateStatus = "valid"
	CertStatusRevoked CertificateStatus = "revoked"
	CertStatusExpired CertificateStatus = "expired"
)

// Certificate is a persisted CA attestation binding a user to a public key.
type Certificate struct {
	UserID           string            `json:"user_id"`
	PublicKey        JWK               `json:"public_key"`
	IssuedAt         time.Time         `json:"issued_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	SerialNumber     string            `json:"serial_number"`
	Signature        string            `json:"signature"`
	Status           CertificateStatus `json:"status"`
	RevocationReason string            `json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
}

// Clone returns a deep copy of the certificate.
func (c *Certificate) Clone() *Certificate {
	out := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

// CertificateData is the canonical signed body of a certificate. Timestamps
// are pre-formatted strings so that the serialization the CA signs and the
// serialization a verifier rebuilds agree byte for byte.
type CertificateData struct {
	UserID       string `json:"user_id"`
	PublicKey    JWK    `json:"public_key"`
	IssuedAt     string `json:"issued_at"`
	ExpiresAt    string `json:"expires_at"`
	SerialNumber string `json:"serial_number"`
}

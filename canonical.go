package teamvault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Canonical serialization: every signed or hashed structure is marshaled
// from a struct with a fixed field order, so two independent computations of
// the same value agree byte for byte. encoding/json emits struct fields in
// declaration order, which is what makes this deterministic; never hash a
// Go map.

// canonicalTimeFormat matches the millisecond-precision UTC form browser
// clients produce, so certificate bodies round-trip across implementations.
const canonicalTimeFormat = "2006-01-02T15:04:05.000Z"

// CanonicalTime formats a timestamp for inclusion in signed structures.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeFormat)
}

// ParseCanonicalTime parses a timestamp formatted by CanonicalTime.
func ParseCanonicalTime(s string) (time.Time, error) {
	t, err := time.Parse(canonicalTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed canonical timestamp: %w", err)
	}
	return t, nil
}

// secretChecksumInput is the canonical checksum body of a secret record:
// name, encrypted payload and the full access list, in this order.
type secretChecksumInput struct {
	Name          string           `json:"name"`
	EncryptedData EncryptedPayload `json:"encrypted_data"`
	AccessList    []AccessEntry    `json:"access_list"`
}

// ComputeSecretChecksum returns the SHA-256 hex checksum over a secret's
// canonical {name, encrypted_data, access_list}. It must equal the stored
// checksum whenever the record is read back unmodified; any mismatch
// signals tampering.
func ComputeSecretChecksum(s *Secret) (string, error) {
	access := s.AccessList
	if access == nil {
		access = []AccessEntry{}
	}
	data, err := json.Marshal(secretChecksumInput{
		Name:          s.Name,
		EncryptedData: s.EncryptedData,
		AccessList:    access,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize checksum input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// collectionChecksumInput aggregates the user's visible secret set.
type collectionChecksumInput struct {
	SecretIDs []string `json:"secret_ids"`
	Versions  []int64  `json:"versions"`
	Checksums []string `json:"checksums"`
	Count     int      `json:"count"`
}

// ComputeCollectionChecksum returns the SHA-256 hex hash over the sorted
// (id, version, checksum) tuples of the given secrets. Secrets without a
// checksum (legacy records) are excluded from the input rather than treated
// as errors. An empty set hashes the fixed string "empty" so the value is
// well-defined before a user owns anything.
func ComputeCollectionChecksum(secrets []*Secret) (string, error) {
	withChecksum := make([]*Secret, 0, len(secrets))
	for _, s := range secrets {
		if s.Checksum != "" {
			withChecksum = append(withChecksum, s)
		}
	}

	if len(withChecksum) == 0 {
		sum := sha256.Sum256([]byte("empty"))
		return hex.EncodeToString(sum[:]), nil
	}

	sort.Slice(withChecksum, func(i, j int) bool {
		return withChecksum[i].ID < withChecksum[j].ID
	})

	input := collectionChecksumInput{
		SecretIDs: make([]string, len(withChecksum)),
		Versions:  make([]int64, len(withChecksum)),
		Checksums: make([]string, len(withChecksum)),
		Count:     len(withChecksum),
	}
	for i, s := range withChecksum {
		input.SecretIDs[i] = s.ID
		input.Versions[i] = s.Version
		input.Checksums[i] = s.Checksum
	}

	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize collection checksum input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalCertificateData returns the canonical byte serialization of a
// certificate body, the exact bytes the CA signs and verifiers check.
func MarshalCertificateData(data CertificateData) ([]byte, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize certificate data: %w", err)
	}
	return out, nil
}

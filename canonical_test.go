package teamvault

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func TestCanonicalTimeFormat(t *testing.T) {
	ts := time.Date(2024, 3, 15, 9, 30, 45, 123456789, time.UTC)

	formatted := CanonicalTime(ts)
	if formatted != "2024-03-15T09:30:45.123Z" {
		t.Errorf("Unexpected canonical time: %s", formatted)
	}

	// Non-UTC inputs normalize to UTC.
	loc := time.FixedZone("CET", 3600)
	formatted = CanonicalTime(time.Date(2024, 3, 15, 10, 30, 45, 0, loc))
	if formatted != "2024-03-15T09:30:45.000Z" {
		t.Errorf("Canonical time did not normalize to UTC: %s", formatted)
	}

	parsed, err := ParseCanonicalTime("2024-03-15T09:30:45.123Z")
	if err != nil {
		t.Fatalf("Failed to parse canonical time: %v", err)
	}
	if !parsed.Equal(time.Date(2024, 3, 15, 9, 30, 45, 123000000, time.UTC)) {
		t.Errorf("Parsed time mismatch: %v", parsed)
	}

	if _, err = ParseCanonicalTime("2024-03-15 09:30:45"); err == nil {
		t.Error("Parse accepted a non-canonical timestamp")
	}
}

func TestSecretChecksumStability(t *testing.T) {
	s := &Secret{
		ID:   "sec-1",
		Name: "db-password",
		EncryptedData: EncryptedPayload{
			Nonce:      "00112233445566778899aabb",
			Ciphertext: "deadbeef",
		},
		AccessList: []AccessEntry{
			{UserID: "u1", Role: RoleOwner},
		},
	}

	c1, err := ComputeSecretChecksum(s)
	if err != nil {
		t.Fatalf("Failed to compute checksum: %v", err)
	}
	c2, err := ComputeSecretChecksum(s)
	if err != nil {
		t.Fatalf("Failed to compute checksum: %v", err)
	}
	if c1 != c2 {
		t.Error("Checksum is not deterministic")
	}

	// The checksum covers name, payload and access list; changing any of
	// them changes the checksum.
	modified := s.Clone()
	modified.Name = "db-password-2"
	c3, err := ComputeSecretChecksum(modified)
	if err != nil {
		t.Fatalf("Failed to compute checksum: %v", err)
	}
	if c3 == c1 {
		t.Error("Checksum ignored a name change")
	}

	modified = s.Clone()
	modified.EncryptedData.Ciphertext = "deadbeee"
	c4, err := ComputeSecretChecksum(modified)
	if err != nil {
		t.Fatalf("Failed to compute checksum: %v", err)
	}
	if c4 == c1 {
		t.Error("Checksum ignored a payload change")
	}

	modified = s.Clone()
	modified.AccessList = append(modified.AccessList, AccessEntry{UserID: "u2", Role: RoleViewer})
	c5, err := ComputeSecretChecksum(modified)
	if err != nil {
		t.Fatalf("Failed to compute checksum: %v", err)
	}
	if c5 == c1 {
		t.Error("Checksum ignored an access-list change")
	}

	// Version is not part of the secret checksum.
	modified = s.Clone()
	modified.Version = 42
	c6, err := ComputeSecretChecksum(modified)
	if err != nil {
		t.Fatalf("Failed to compute checksum: %v", err)
	}
	if c6 != c1 {
		t.Error("Checksum must not cover the version counter")
	}
}

func TestCollectionChecksum(t *testing.T) {
	t.Run("EmptyCollection", func(t *testing.T) {
		sum := sha256.Sum256([]byte("empty"))
		want := hex.EncodeToString(sum[:])

		got, err := ComputeCollectionChecksum(nil)
		if err != nil {
			t.Fatalf("Failed to compute checksum: %v", err)
		}
		if got != want {
			t.Errorf("Empty collection checksum mismatch: %s", got)
		}

		// Secrets without a stored checksum are excluded, so a collection
		// of only legacy records hashes as empty too.
		got, err = ComputeCollectionChecksum([]*Secret{{ID: "legacy", Version: 1}})
		if err != nil {
			t.Fatalf("Failed to compute checksum: %v", err)
		}
		if got != want {
			t.Error("Collection of checksum-less secrets must hash as empty")
		}
	})

	t.Run("OrderIndependence", func(t *testing.T) {
		a := &Secret{ID: "a", Version: 1, Checksum: "ca"}
		b := &Secret{ID: "b", Version: 2, Checksum: "cb"}

		c1, err := ComputeCollectionChecksum([]*Secret{a, b})
		if err != nil {
			t.Fatalf("Failed to compute checksum: %v", err)
		}
		c2, err := ComputeCollectionChecksum([]*Secret{b, a})
		if err != nil {
			t.Fatalf("Failed to compute checksum: %v", err)
		}
		if c1 != c2 {
			t.Error("Collection checksum depends on input order")
		}
	})

	t.Run("VersionSensitivity", func(t *testing.T) {
		a := &Secret{ID: "a", Version: 1, Checksum: "ca"}
		c1, err := ComputeCollectionChecksum([]*Secret{a})
		if err != nil {
			t.Fatalf("Failed to compute checksum: %v", err)
		}

		bumped := a.Clone()
		bumped.Version = 2
		c2, err := ComputeCollectionChecksum([]*Secret{bumped})
		if err != nil {
			t.Fatalf("Failed to compute checksum: %v", err)
		}
		if c1 == c2 {
			t.Error("Collection checksum ignored a version bump")
		}
	})
}

func TestMarshalCertificateDataIsCanonical(t *testing.T) {
	issued := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	data := CertificateData{
		SerialNumber: "00112233445566778899aabbccddeeff",
		UserID:       "u1",
		PublicKey:    JWK{Kty: "EC", Crv: "P-384", X: "x", Y: "y"},
		IssuedAt:     CanonicalTime(issued),
		ExpiresAt:    CanonicalTime(issued.AddDate(0, 0, 365)),
	}

	b1, err := MarshalCertificateData(data)
	if err != nil {
		t.Fatalf("Failed to marshal certificate data: %v", err)
	}
	b2, err := MarshalCertificateData(data)
	if err != nil {
		t.Fatalf("Failed to marshal certificate data: %v", err)
	}
	if string(b1) != string(b2) {
		t.Error("Certificate serialization is not deterministic")
	}
}

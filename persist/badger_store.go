package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"southwinds.dev/teamvault"
)

// Key prefixes in the Badger keyspace.
const (
	userPrefix   = "user:"
	emailPrefix  = "email:"
	secretPrefix = "secret:"
	certPrefix   = "cert:"
)

// BadgerStore persists records in an embedded Badger database. Every
// mutation runs in a single Badger transaction, which gives the atomic
// append-and-increment and the optimistic version check for free.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return teamvault.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("badger get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("corrupted record %s: %w", key, err)
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	if err = txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *BadgerStore) InsertUser(ctx context.Context, user *teamvault.User) error {
	return b.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, emailPrefix+user.Email)
		if err != nil {
			return err
		}
		if taken {
			return teamvault.ErrDuplicateEmail
		}
		if err = setJSON(txn, userPrefix+user.ID, user); err != nil {
			return err
		}
		return txn.Set([]byte(emailPrefix+user.Email), []byte(user.ID))
	})
}

func (b *BadgerStore) GetUser(ctx context.Context, userID string) (*teamvault.User, error) {
	var user teamvault.User
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userPrefix+userID, &user)
	})
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return &user, nil
}

func (b *BadgerStore) GetUserByEmail(ctx context.Context, email string) (*teamvault.User, error) {
	var user teamvault.User
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(emailPrefix + email))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return teamvault.ErrNotFound
		}
		if err != nil {
			return err
		}
		var userID string
		if err = item.Value(func(val []byte) error {
			userID = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, userPrefix+userID, &user)
	})
	if err != nil {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	return &user, nil
}

func (b *BadgerStore) UpdateUserIntegrity(ctx context.Context, userID string, secretsVersion int64, checksum string, at time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var user teamvault.User
		if err := getJSON(txn, userPrefix+userID, &user); err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		user.SecretsVersion = secretsVersion
		user.CollectionChecksum = checksum
		user.LastChecksumUpdate = &at
		return setJSON(txn, userPrefix+userID, &user)
	})
}

func (b *BadgerStore) InsertSecret(ctx context.Context, secret *teamvault.Secret) error {
	return b.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, secretPrefix+secret.ID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: secret %s", teamvault.ErrConflict, secret.ID)
		}
		return setJSON(txn, secretPrefix+secret.ID, secret)
	})
}

func (b *BadgerStore) GetSecret(ctx context.Context, secretID string) (*teamvault.Secret, error) {
	var secret teamvault.Secret
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, secretPrefix+secretID, &secret)
	})
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", secretID, err)
	}
	return &secret, nil
}

// forEachSecret iterates the secret keyspace inside a read transaction.
func forEachSecret(txn *badger.Txn, fn func(*teamvault.Secret)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(secretPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			var secret teamvault.Secret
			if err := json.Unmarshal(val, &secret); err != nil {
				return nil // skip corrupted record
			}
			fn(&secret)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerStore) ListSecretsForUser(ctx context.Context, userID string) ([]*teamvault.Secret, error) {
	var out []*teamvault.Secret
	err := b.db.View(func(txn *badger.Txn) error {
		return forEachSecret(txn, func(s *teamvault.Secret) {
			if hasEntryFor(s, userID) {
				out = append(out, s)
			}
		})
	})
	return out, err
}

// mutateSecret runs load-mutate-save inside one Badger transaction.
func (b *BadgerStore) mutateSecret(secretID string, fn func(*teamvault.Secret) error) (*teamvault.Secret, error) {
	var secret teamvault.Secret
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, secretPrefix+secretID, &secret); err != nil {
			return fmt.Errorf("secret %s: %w", secretID, err)
		}
		if err := fn(&secret); err != nil {
			return err
		}
		return setJSON(txn, secretPrefix+secretID, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (b *BadgerStore) AppendAccessEntry(ctx context.Context, secretID string, entry teamvault.AccessEntry) (*teamvault.Secret, error) {
	return b.mutateSecret(secretID, func(s *teamvault.Secret) error {
		return applyAppendAccessEntry(s, entry)
	})
}

func (b *BadgerStore) UpdateSecretData(ctx context.Context, secretID string, data teamvault.EncryptedPayload, expectedVersion, newVersion int64, checksum string) error {
	_, err := b.mutateSecret(secretID, func(s *teamvault.Secret) error {
		return applyUpdateSecretData(s, data, expectedVersion, newVersion, checksum)
	})
	return err
}

func (b *BadgerStore) UpdateSecretChecksum(ctx context.Context, secretID string, expectedVersion int64, checksum string) error {
	_, err := b.mutateSecret(secretID, func(s *teamvault.Secret) error {
		return applyUpdateSecretChecksum(s, expectedVersion, checksum)
	})
	return err
}

func (b *BadgerStore) ReplaceSecret(ctx context.Context, updated *teamvault.Secret, expectedVersion int64) error {
	_, err := b.mutateSecret(updated.ID, func(s *teamvault.Secret) error {
		if err := checkVersion(s, expectedVersion, "ReplaceSecret"); err != nil {
			return err
		}
		*s = *updated.Clone()
		return nil
	})
	return err
}

func (b *BadgerStore) DeleteSecret(ctx context.Context, secretID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, secretPrefix+secretID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
		}
		return txn.Delete([]byte(secretPrefix + secretID))
	})
}

func (b *BadgerStore) ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]*teamvault.Secret, error) {
	var out []*teamvault.Secret
	err := b.db.View(func(txn *badger.Txn) error {
		return forEachSecret(txn, func(s *teamvault.Secret) {
			if dueForRotation(s, now) {
				out = append(out, s)
			}
		})
	})
	return out, err
}

func (b *BadgerStore) PruneExpiredKeyVersions(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		return forEachSecret(txn, func(s *teamvault.Secret) {
			ids = append(ids, s.ID)
		})
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		_, err := b.mutateSecret(id, func(s *teamvault.Secret) error {
			if !pruneKeyVersions(s, cutoff) {
				return errNoChange
			}
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// errNoChange aborts a mutateSecret transaction without an error surfacing
// to the caller.
var errNoChange = errors.New("no change")

func (b *BadgerStore) InsertCertificate(ctx context.Context, cert *teamvault.Certificate) error {
	return b.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, certPrefix+cert.SerialNumber)
		if err != nil {
			return err
		}
		if taken {
			return teamvault.ErrDuplicateSerial
		}
		return setJSON(txn, certPrefix+cert.SerialNumber, cert)
	})
}

func (b *BadgerStore) GetCertificateBySerial(ctx context.Context, serialNumber string) (*teamvault.Certificate, error) {
	var cert teamvault.Certificate
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, certPrefix+serialNumber, &cert)
	})
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", serialNumber, err)
	}
	return &cert, nil
}

func (b *BadgerStore) GetValidCertificateForUser(ctx context.Context, userID string) (*teamvault.Certificate, error) {
	var found *teamvault.Certificate
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(certPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cert teamvault.Certificate
				if err := json.Unmarshal(val, &cert); err != nil {
					return nil
				}
				if cert.UserID == userID && cert.Status == teamvault.CertStatusValid {
					found = &cert
				}
				return nil
			})
			if err != nil {
				return err
			}
			if found != nil {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no valid certificate for user %s", teamvault.ErrNotFound, userID)
	}
	return found, nil
}

func (b *BadgerStore) UpdateCertificateStatus(ctx context.Context, serialNumber string, status teamvault.CertificateStatus, reason string, revokedAt *time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var cert teamvault.Certificate
		if err := getJSON(txn, certPrefix+serialNumber, &cert); err != nil {
			return fmt.Errorf("certificate %s: %w", serialNumber, err)
		}
		applyCertStatus(&cert, status, reason, revokedAt)
		return setJSON(txn, certPrefix+serialNumber, &cert)
	})
}

func (b *BadgerStore) MarkExpiredCertificates(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(certPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var expired []*teamvault.Certificate
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cert teamvault.Certificate
				if err := json.Unmarshal(val, &cert); err != nil {
					return nil
				}
				if certExpired(&cert, now) {
					expired = append(expired, &cert)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, cert := range expired {
			cert.Status = teamvault.CertStatusExpired
			if err := setJSON(txn, certPrefix+cert.SerialNumber, cert); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (b *BadgerStore) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) GetType() string {
	return "badger"
}

package teamvault

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"

	"southwinds.dev/teamvault/internal/debug"
	"southwinds.dev/teamvault/internal/mem"
	"southwinds.dev/teamvault/internal/misc"
)

// LoadOrCreateSigningKey loads the CA signing key from path, generating and
// persisting a fresh one on first run. The key file holds the hex-encoded
// private scalar with 0600 permissions; losing it means every issued
// certificate becomes unverifiable, so back it up like any root key.
//
// Memory locking is attempted best effort so the scalar is less likely to
// hit swap; an unprivileged process still works, just with weaker
// protection.
func LoadOrCreateSigningKey(path string) (*SigningKeyHandle, error) {
	if _, err := mem.Lock(); err != nil {
		return nil, fmt.Errorf("failed to apply memory protection: %w", err)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("corrupted signing key file %s: %w", path, decErr)
		}
		handle, loadErr := SigningKeyHandleFromScalar(raw)
		if loadErr != nil {
			return nil, fmt.Errorf("invalid signing key in %s: %w", path, loadErr)
		}
		debug.Print("Loaded existing signing key from %s", path)
		return handle, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}

	debug.Print("No signing key at %s, generating a fresh one", path)
	handle, err := GenerateSigningKeyHandle()
	if err != nil {
		return nil, err
	}

	scalar, err := handle.exportScalar()
	if err != nil {
		handle.Destroy()
		return nil, err
	}
	encoded := []byte(hex.EncodeToString(scalar))
	memguard.WipeBytes(scalar)

	if err = os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		handle.Destroy()
		return nil, fmt.Errorf("failed to create signing key directory: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written key behind.
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, encoded, misc.FilePermissions); err != nil {
		memguard.WipeBytes(encoded)
		handle.Destroy()
		return nil, fmt.Errorf("failed to write signing key file: %w", err)
	}
	memguard.WipeBytes(encoded)
	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		handle.Destroy()
		return nil, fmt.Errorf("failed to finalize signing key file: %w", err)
	}

	return handle, nil
}

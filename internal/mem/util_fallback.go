//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On unsupported platforms memguard enclaves still wipe memory, but
	// pages can be swapped out.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}

package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Claim is a held startup lock for one configuration hash.
type Claim struct {
	lock *flock.Flock
}

// Release drops the lock. Safe to call on a nil claim.
func (c *Claim) Release() {
	if c == nil || c.lock == nil {
		return
	}
	_ = c.lock.Unlock()
}

// TryClaim attempts to take the exclusive daemon-startup lock at lockPath.
// It returns (claim, true) on success and (nil, false) when another process
// holds it. Daemons that lose the claim race must exit instead of binding a
// second listener for the same configuration.
func TryClaim(lockPath string) (*Claim, bool, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, false, fmt.Errorf("ensure claim directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire claim lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Claim{lock: lock}, true, nil
}

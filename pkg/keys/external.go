package keys

import (
	"fmt"
	"sync"

	"github.com/falk/ncago/pkg/ncaerr"
)

// ExternalKeySet maps a 16-byte rights ID to its 16-byte external title
// key (the "access key" a ticket would carry). It is the only mutable
// piece of key material (§3, §5): mutations must be serialized by the
// caller before any section opening that consumes them, which
// AddTitleKey enforces with its own mutex.
type ExternalKeySet struct {
	mu   sync.RWMutex
	keys map[[16]byte][16]byte
}

// NewExternalKeySet returns an empty set.
func NewExternalKeySet() *ExternalKeySet {
	return &ExternalKeySet{keys: make(map[[16]byte][16]byte)}
}

// AddTitleKey records key as the external title key for rightsID.
// Always returns true: the key has a fixed 16-byte type, so there is no
// failure case.
func (e *ExternalKeySet) AddTitleKey(rightsID [16]byte, key [16]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[rightsID] = key
	return true
}

// Lookup returns the external title key for rightsID.
func (e *ExternalKeySet) Lookup(rightsID [16]byte) ([16]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.keys[rightsID]
	if !ok {
		return [16]byte{}, fmt.Errorf("%w: rights id %x", ncaerr.ErrMissingTitleKey, rightsID)
	}
	return k, nil
}

// String renders a byte slice as RIGHTSID-style hex, used in error
// messages and logging.
func String(rightsID [16]byte) string {
	return fmt.Sprintf("%x", rightsID[:])
}

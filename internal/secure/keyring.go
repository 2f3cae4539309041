package secure

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sasha-s/go-deadlock"
)

// Keyring holds the public identities a Channel accepts messages from.
type Keyring struct {
	mu   deadlock.RWMutex
	keys map[KeyID]PublicIdentity
}

// NewKeyring creates a keyring holding pubs.
func NewKeyring(pubs ...PublicIdentity) *Keyring {
	k := &Keyring{keys: make(map[KeyID]PublicIdentity, len(pubs))}
	for _, p := range pubs {
		k.keys[p.ID()] = p
	}
	return k
}

// Add trusts p.
func (k *Keyring) Add(p PublicIdentity) error {
	if !p.Valid() {
		return fmt.Errorf("incomplete public identity %q", p.Name)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[p.ID()] = p
	return nil
}

// Remove revokes trust in id.
func (k *Keyring) Remove(id KeyID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, id)
}

// Lookup returns the identity registered under id.
func (k *Keyring) Lookup(id KeyID) (PublicIdentity, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.keys[id]
	return p, ok
}

// Len returns the number of trusted identities.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Names returns the sorted labels of trusted identities.
func (k *Keyring) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.keys))
	for _, p := range k.keys {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// LoadKeyringDir loads every *.pub file in dir.
func LoadKeyringDir(dir string) (*Keyring, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading keyring directory: %w", err)
	}
	k := NewKeyring()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		pub, err := LoadPublic(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := k.Add(pub); err != nil {
			return nil, err
		}
	}
	return k, nil
}

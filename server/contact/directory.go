package contact

import (
	"fmt"
	"sync"
)

// Directory hands out one Store per user, loading each from the KV store on
// first use and caching it for the lifetime of the process.
type Directory struct {
	kv     KVStore
	logger Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewDirectory creates an empty directory backed by kv.
func NewDirectory(kv KVStore, logger Logger) *Directory {
	return &Directory{
		kv:     kv,
		logger: logger,
		stores: make(map[string]*Store),
	}
}

// Key returns the KV key under which a user's contacts are stored.
func Key(userID string) string {
	return fmt.Sprintf("contacts_%s", userID)
}

// ForUser returns the loaded store for userID.
func (d *Directory) ForUser(userID string) (*Store, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if store, ok := d.stores[userID]; ok {
		return store, nil
	}

	store := NewStore(d.kv, Key(userID), d.logger)
	if err := store.LoadAll(); err != nil {
		return nil, err
	}

	d.stores[userID] = store
	return store, nil
}

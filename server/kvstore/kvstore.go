package kvstore

import (
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/plugin"
)

const listPageSize = 1000

// Store is a thin adapter over the Mattermost plugin KV store that returns
// plain errors.
type Store struct {
	api plugin.API
}

// New creates a KV store adapter.
func New(api plugin.API) *Store {
	return &Store{
		api: api,
	}
}

// Get returns the value stored under key, or nil if the key does not exist.
func (s *Store) Get(key string) ([]byte, error) {
	data, appErr := s.api.KVGet(key)
	if appErr != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, appErr)
	}

	return data, nil
}

// Set replaces the value stored under key.
func (s *Store) Set(key string, value []byte) error {
	if appErr := s.api.KVSet(key, value); appErr != nil {
		return fmt.Errorf("failed to set key %s: %w", key, appErr)
	}

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if appErr := s.api.KVDelete(key); appErr != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, appErr)
	}

	return nil
}

// ListKeys returns every key that starts with prefix and ends with suffix.
func (s *Store) ListKeys(prefix, suffix string) ([]string, error) {
	var keys []string
	for page := 0; ; page++ {
		batch, appErr := s.api.KVList(page, listPageSize)
		if appErr != nil {
			return nil, fmt.Errorf("failed to list keys: %w", appErr)
		}

		for _, key := range batch {
			if strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix) {
				keys = append(keys, key)
			}
		}

		if len(batch) < listPageSize {
			return keys, nil
		}
	}
}

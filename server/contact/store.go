package contact

import (
	"fmt"
	"sync"
)

// KVStore is the durable key-value storage used to persist contact sets.
type KVStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Logger is the logging surface used by the store.
type Logger interface {
	Debug(message string, keyValuePairs ...any)
	Info(message string, keyValuePairs ...any)
	Warn(message string, keyValuePairs ...any)
	Error(message string, keyValuePairs ...any)
}

// Store owns the trusted contacts of a single user. Every mutation writes the
// entire set back to the KV store before the in-memory view is updated.
type Store struct {
	kv     KVStore
	key    string
	logger Logger

	mu       sync.RWMutex
	contacts []Record
}

// NewStore creates an empty store persisted under key. Call LoadAll to
// populate it from durable storage.
func NewStore(kv KVStore, key string, logger Logger) *Store {
	return &Store{
		kv:     kv,
		key:    key,
		logger: logger,
	}
}

// Add normalizes rawNumber and appends a new record. It returns
// ErrInvalidFormat or ErrDuplicateContact without changing the set.
func (s *Store) Add(name, rawNumber string) (Record, error) {
	number, err := Normalize(rawNumber)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.contacts {
		if existing.Number == number {
			return existing, ErrDuplicateContact
		}
	}

	record := Record{Name: displayName(name), Number: number}

	updated := make([]Record, 0, len(s.contacts)+1)
	updated = append(updated, s.contacts...)
	updated = append(updated, record)

	if err := s.save(updated); err != nil {
		return Record{}, err
	}

	s.contacts = updated
	s.logger.Debug("Added trusted contact", "key", s.key, "number", number)
	return record, nil
}

// Remove deletes the record with a matching number. Removing an absent
// record is a no-op.
func (s *Store) Remove(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := -1
	for i, existing := range s.contacts {
		if existing.Number == record.Number {
			index = i
			break
		}
	}

	if index < 0 {
		return nil
	}

	updated := make([]Record, 0, len(s.contacts)-1)
	updated = append(updated, s.contacts[:index]...)
	updated = append(updated, s.contacts[index+1:]...)

	if err := s.save(updated); err != nil {
		return err
	}

	s.contacts = updated
	s.logger.Debug("Removed trusted contact", "key", s.key, "number", record.Number)
	return nil
}

// List returns a copy of the current contacts in insertion order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contacts := make([]Record, len(s.contacts))
	copy(contacts, s.contacts)
	return contacts
}

// Len returns the number of stored contacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.contacts)
}

// SaveAll replaces the durable set and the in-memory view with records.
// Numbers are normalized first. It returns ErrInvalidFormat or
// ErrDuplicateContact without changing the set.
func (s *Store) SaveAll(records []Record) error {
	updated := make([]Record, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		number, err := Normalize(record.Number)
		if err != nil {
			return err
		}
		if seen[number] {
			return fmt.Errorf("%w: %s", ErrDuplicateContact, number)
		}
		seen[number] = true

		updated = append(updated, Record{Name: displayName(record.Name), Number: number})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(updated); err != nil {
		return err
	}

	s.contacts = updated
	return nil
}

// LoadAll rebuilds the in-memory view from the KV store. Entries that fail to
// parse are dropped, and an unreadable document is treated as an empty set.
// Only a failure to read from the KV store is returned.
func (s *Store) LoadAll() error {
	data, err := s.kv.Get(s.key)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}

	records, dropped, err := Decode(data)
	if err != nil {
		s.logger.Warn("Discarding unreadable contact set", "key", s.key, "error", err.Error())
		records = nil
	}

	if dropped > 0 {
		s.logger.Warn("Dropped corrupt contact entries", "key", s.key, "dropped", dropped)
	}

	s.mu.Lock()
	s.contacts = records
	s.mu.Unlock()

	return nil
}

// save writes records to the KV store, replacing the previous set.
func (s *Store) save(records []Record) error {
	data, err := Encode(records)
	if err != nil {
		return err
	}

	if err := s.kv.Set(s.key, data); err != nil {
		return fmt.Errorf("failed to save contacts: %w", err)
	}

	return nil
}

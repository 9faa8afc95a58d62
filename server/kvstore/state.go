package kvstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// KV is the key-value surface used by StateStore.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// StateStore manages per-user SOS state in the KV store.
// All keys are scoped to the specific user ID for isolation.
type StateStore struct {
	kv     KV
	userID string
}

// NewStateStore creates a new state store for a specific user
func NewStateStore(kv KV, userID string) *StateStore {
	return &StateStore{
		kv:     kv,
		userID: userID,
	}
}

func (s *StateStore) key(field string) string {
	return fmt.Sprintf("user_%s_%s", s.userID, field)
}

// RecordIteration stores the outcome of one loop iteration: the run time,
// the last position and success time when available, the consecutive
// failure count and the last error.
func (s *StateStore) RecordIteration(result sos.IterationResult) error {
	if err := s.SaveLastRun(result.Time); err != nil {
		return err
	}

	if result.Position != nil {
		if err := s.SaveLastPosition(*result.Position); err != nil {
			return err
		}
	}

	if result.Succeeded() {
		if err := s.SaveLastSuccess(result.Time); err != nil {
			return err
		}
	}

	if result.Error == "" {
		if err := s.ResetFailures(); err != nil {
			return err
		}
	} else if _, err := s.IncrementFailures(); err != nil {
		return err
	}

	return s.SaveLastError(result.Error)
}

// SaveLastRun stores the timestamp of the last iteration
func (s *StateStore) SaveLastRun(t time.Time) error {
	return s.saveTime("last_run", t)
}

// GetLastRun retrieves the timestamp of the last iteration
// Returns zero time if none is stored
func (s *StateStore) GetLastRun() (time.Time, error) {
	return s.getTime("last_run")
}

// SaveLastSuccess stores the timestamp of the last iteration that reached a contact
func (s *StateStore) SaveLastSuccess(t time.Time) error {
	return s.saveTime("last_success", t)
}

// GetLastSuccess retrieves the timestamp of the last successful iteration
// Returns zero time if none is stored
func (s *StateStore) GetLastSuccess() (time.Time, error) {
	return s.getTime("last_success")
}

// SaveLastPosition stores the most recent position fix
func (s *StateStore) SaveLastPosition(position sos.Position) error {
	data, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("failed to marshal last position: %w", err)
	}

	if err := s.kv.Set(s.key("last_position"), data); err != nil {
		return fmt.Errorf("failed to save last position: %w", err)
	}

	return nil
}

// GetLastPosition retrieves the most recent position fix
// Returns nil if none is stored
func (s *StateStore) GetLastPosition() (*sos.Position, error) {
	data, err := s.kv.Get(s.key("last_position"))
	if err != nil {
		return nil, fmt.Errorf("failed to get last position: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	var position sos.Position
	if err := json.Unmarshal(data, &position); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last position: %w", err)
	}

	return &position, nil
}

// IncrementFailures increments the consecutive failures counter and returns the new count
func (s *StateStore) IncrementFailures() (int, error) {
	count, err := s.GetFailures()
	if err != nil {
		return 0, err
	}

	count++

	if err := s.saveInt("failures", count); err != nil {
		return 0, err
	}

	return count, nil
}

// ResetFailures resets the consecutive failures counter to zero
func (s *StateStore) ResetFailures() error {
	return s.saveInt("failures", 0)
}

// GetFailures retrieves the current consecutive failures count
// Returns 0 if no count is stored
func (s *StateStore) GetFailures() (int, error) {
	data, err := s.kv.Get(s.key("failures"))
	if err != nil {
		return 0, fmt.Errorf("failed to get failures count: %w", err)
	}

	if data == nil {
		return 0, nil
	}

	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return 0, fmt.Errorf("failed to unmarshal failures count: %w", err)
	}

	return count, nil
}

// SaveLastError stores the error message from the most recent iteration
func (s *StateStore) SaveLastError(errMsg string) error {
	if err := s.kv.Set(s.key("last_error"), []byte(errMsg)); err != nil {
		return fmt.Errorf("failed to save last error: %w", err)
	}
	return nil
}

// GetLastError retrieves the error message from the most recent iteration
// Returns empty string if no error is stored
func (s *StateStore) GetLastError() (string, error) {
	data, err := s.kv.Get(s.key("last_error"))
	if err != nil {
		return "", fmt.Errorf("failed to get last error: %w", err)
	}

	return string(data), nil
}

// SaveIndicatorPost stores the ID of the post currently used as the SOS indicator
func (s *StateStore) SaveIndicatorPost(postID string) error {
	if err := s.kv.Set(s.key("indicator_post"), []byte(postID)); err != nil {
		return fmt.Errorf("failed to save indicator post: %w", err)
	}
	return nil
}

// GetIndicatorPost retrieves the ID of the indicator post
// Returns empty string if no indicator is recorded
func (s *StateStore) GetIndicatorPost() (string, error) {
	data, err := s.kv.Get(s.key("indicator_post"))
	if err != nil {
		return "", fmt.Errorf("failed to get indicator post: %w", err)
	}

	return string(data), nil
}

// ClearIndicatorPost forgets the indicator post
func (s *StateStore) ClearIndicatorPost() error {
	if err := s.kv.Delete(s.key("indicator_post")); err != nil {
		return fmt.Errorf("failed to clear indicator post: %w", err)
	}
	return nil
}

// SaveConsent records whether the user allows their location to be shared
func (s *StateStore) SaveConsent(granted bool) error {
	data, err := json.Marshal(granted)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}

	if err := s.kv.Set(s.key("consent"), data); err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}

	return nil
}

// HasConsent reports whether the user allows their location to be shared
// Returns false if nothing is stored
func (s *StateStore) HasConsent() (bool, error) {
	data, err := s.kv.Get(s.key("consent"))
	if err != nil {
		return false, fmt.Errorf("failed to get consent: %w", err)
	}

	if data == nil {
		return false, nil
	}

	var granted bool
	if err := json.Unmarshal(data, &granted); err != nil {
		return false, fmt.Errorf("failed to unmarshal consent: %w", err)
	}

	return granted, nil
}

// ClearSession removes the per-session statistics, keeping consent.
func (s *StateStore) ClearSession() error {
	for _, field := range []string{"last_run", "last_success", "last_position", "failures", "last_error"} {
		if err := s.kv.Delete(s.key(field)); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", s.key(field), err)
		}
	}

	return nil
}

func (s *StateStore) saveTime(field string, t time.Time) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal %s time: %w", field, err)
	}

	if err := s.kv.Set(s.key(field), data); err != nil {
		return fmt.Errorf("failed to save %s time: %w", field, err)
	}

	return nil
}

func (s *StateStore) getTime(field string) (time.Time, error) {
	data, err := s.kv.Get(s.key(field))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get %s time: %w", field, err)
	}

	if data == nil {
		return time.Time{}, nil
	}

	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return time.Time{}, fmt.Errorf("failed to unmarshal %s time: %w", field, err)
	}

	return t, nil
}

func (s *StateStore) saveInt(field string, value int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", field, err)
	}

	if err := s.kv.Set(s.key(field), data); err != nil {
		return fmt.Errorf("failed to save %s: %w", field, err)
	}

	return nil
}

// UsersWithIndicator returns the IDs of users that have an indicator post recorded.
func UsersWithIndicator(store *Store) ([]string, error) {
	keys, err := store.ListKeys("user_", "_indicator_post")
	if err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		userID := strings.TrimSuffix(strings.TrimPrefix(key, "user_"), "_indicator_post")
		if userID != "" {
			userIDs = append(userIDs, userID)
		}
	}

	return userIDs, nil
}

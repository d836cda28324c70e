package state

import (
	"encoding/json"
	"fmt"
)

// TypedStore wraps Store with JSON marshaling for a specific type.
type TypedStore[T any] struct {
	store *Store
	kind  string
}

// NewTypedStore creates a typed store for kind.
func NewTypedStore[T any](store *Store, kind string) *TypedStore[T] {
	return &TypedStore[T]{store: store, kind: kind}
}

// Get retrieves and unmarshals the value for id.
// Returns the zero value and version 0 if not found.
func (s *TypedStore[T]) Get(id string) (value T, version int64, err error) {
	payload, version, err := s.store.Get(s.kind, id)
	if err != nil || payload == nil {
		return value, 0, err
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, 0, fmt.Errorf("failed to unmarshal %s/%s: %w", s.kind, id, err)
	}
	return value, version, nil
}

// Set marshals and stores value, returning the new version.
func (s *TypedStore[T]) Set(id string, value T) (int64, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s/%s: %w", s.kind, id, err)
	}
	return s.store.Set(s.kind, id, payload)
}

// Delete removes the value for id.
func (s *TypedStore[T]) Delete(id string) error {
	return s.store.Delete(s.kind, id)
}

// Update applies modify to the current value (zero value if missing) and
// stores the result.
func (s *TypedStore[T]) Update(id string, modify func(current T) T) (int64, error) {
	current, _, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return s.Set(id, modify(current))
}

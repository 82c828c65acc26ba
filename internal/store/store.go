// Package store persists small named values across restarts.
//
// Contract:
// - Load MUST return ErrNotFound when the key is absent.
// - Save replaces the previous value; concurrent writers resolve last-write-wins.
// - Values are opaque bytes; LoadJSON and SaveJSON cover the common case.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// Persisted keys
const (
	KeySelectedNode     = "selected-node"
	KeyPublicKeys       = "public-keys"
	KeySelectedKeyIndex = "selected-key-index"
	KeyCurrentPremise   = "current-premise"
	KeyGenesisPremise   = "genesis-premise"
	KeyFlowGraph        = "flow-graph"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrInvalidKey = errors.New("store: invalid key")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Store is a named value store.
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
}

func checkKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// LoadJSON decodes the value under key into v.
func LoadJSON(s Store, key string, v any) error {
	data, err := s.Load(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Save(key, data)
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	values map[string][]byte
	mu     sync.RWMutex
}

func NewMemory() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Load(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Save(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}

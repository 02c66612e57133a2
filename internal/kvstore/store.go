package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Well-known keys.
const (
	KeyGatewayID       = "core.gwid"
	KeyIsMaster        = "core.is_master"
	KeyMasterGatewayID = "core.master_gateway_id"
	KeyBrokerEndpoint  = "cluster.broker_endpoint"
)

// ErrNotFound is returned by Lookup when a key has never been set.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a write-through key/value store.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string][]byte
	now   func() time.Time
}

// New creates a Store over db. The kv_config table must exist.
func New(db *sql.DB) *Store {
	return &Store{
		db:    db,
		cache: make(map[string][]byte),
		now:   time.Now,
	}
}

// Lookup decodes the value stored under key into v.
// Returns ErrNotFound if the key is not set.
func (s *Store) Lookup(ctx context.Context, key string, v any) error {
	raw, err := s.raw(ctx, key)
	if err != nil {
		return err
	}
	if err := sonic.ConfigStd.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *Store) raw(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	raw, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return raw, nil
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = []byte(value)
	s.mu.Unlock()
	return []byte(value), nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("kvstore: empty key")
	}
	raw, err := sonic.ConfigStd.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	s.cache[key] = raw
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	delete(s.cache, key)
	return nil
}

// Get returns the value under key, or def if it is missing or does not
// decode as T.
func Get[T any](ctx context.Context, s *Store, key string, def T) T {
	var v T
	if err := s.Lookup(ctx, key, &v); err != nil {
		return def
	}
	return v
}

// Seed stores value under key only if key is not set yet, and returns the
// value now in effect.
func Seed[T any](ctx context.Context, s *Store, key string, value T) (T, error) {
	var v T
	err := s.Lookup(ctx, key, &v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return v, err
	}
	if err := s.Set(ctx, key, value); err != nil {
		return v, err
	}
	return value, nil
}

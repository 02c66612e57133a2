package variables

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
)

// Kind selects atoms or states.
type Kind string

const (
	Atoms  Kind = "atoms"
	States Kind = "states"
)

// Hook returns the hook fired when a value of this kind changes.
func (k Kind) Hook() string {
	if k == Atoms {
		return hooks.AtomSet
	}
	return hooks.StateSet
}

// Sources recorded on each value.
const (
	SourceLocal = "local"
	SourceSync  = "gateway_sync"
)

// ErrInvalidName is returned for empty names or gateway ids.
var ErrInvalidName = errors.New("variables: invalid name")

// Value is one stored variable.
type Value struct {
	Name      string    `json:"name"`
	GatewayID string    `json:"gateway_id"`
	Value     any       `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is the hook payload for a set.
type Change struct {
	Kind      Kind
	GatewayID string
	Name      string
	Value     any
	Previous  any
	Source    string
}

// Dispatcher fires hooks. *hooks.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, hook string, payload any) error
}

// Logger defines the logging interface for the store.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Store keeps the values of one Kind for every known gateway.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Hooks run after the lock is
//     released.
type Store struct {
	kind    Kind
	local   string
	hooks   Dispatcher
	logger  Logger
	now     func() time.Time
	mu      sync.RWMutex
	byOwner map[string]map[string]Value
}

// New creates a store of kind for the gateway localID. hooks may be nil.
func New(kind Kind, localID string, d Dispatcher) *Store {
	return &Store{
		kind:    kind,
		local:   localID,
		hooks:   d,
		logger:  noopLogger{},
		now:     time.Now,
		byOwner: make(map[string]map[string]Value),
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Kind returns the kind of values held.
func (s *Store) Kind() Kind { return s.kind }

// Set stores a value owned by the local gateway.
func (s *Store) Set(ctx context.Context, name string, value any) error {
	return s.SetFor(ctx, s.local, name, value, SourceLocal)
}

// SetFor stores a value owned by gatewayID and fires the kind's hook if
// the value changed.
func (s *Store) SetFor(ctx context.Context, gatewayID, name string, value any, source string) error {
	if gatewayID == "" || name == "" {
		return ErrInvalidName
	}

	s.mu.Lock()
	owned := s.byOwner[gatewayID]
	if owned == nil {
		owned = make(map[string]Value)
		s.byOwner[gatewayID] = owned
	}
	prev, existed := owned[name]
	owned[name] = Value{
		Name:      name,
		GatewayID: gatewayID,
		Value:     value,
		Source:    source,
		UpdatedAt: s.now(),
	}
	s.mu.Unlock()

	if existed && equal(prev.Value, value) {
		return nil
	}
	s.fire(ctx, Change{
		Kind:      s.kind,
		GatewayID: gatewayID,
		Name:      name,
		Value:     value,
		Previous:  prev.Value,
		Source:    source,
	})
	return nil
}

// Import stores every entry of values as owned by gatewayID.
func (s *Store) Import(ctx context.Context, gatewayID string, values map[string]any, source string) error {
	var errs []error
	for name, v := range values {
		if err := s.SetFor(ctx, gatewayID, name, v, source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) fire(ctx context.Context, c Change) {
	if s.hooks == nil {
		return
	}
	if err := s.hooks.Dispatch(ctx, s.kind.Hook(), c); err != nil {
		s.logger.Warn("variable hook failed", "kind", s.kind, "name", c.Name, "error", err)
	}
}

// Get returns the value name owned by gatewayID.
func (s *Store) Get(gatewayID, name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byOwner[gatewayID][name]
	return v, ok
}

// Local returns the value name owned by the local gateway.
func (s *Store) Local(name string) (Value, bool) {
	return s.Get(s.local, name)
}

// Snapshot returns name -> value for everything gatewayID owns.
func (s *Store) Snapshot(gatewayID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.byOwner[gatewayID]))
	for name, v := range s.byOwner[gatewayID] {
		out[name] = v.Value
	}
	return out
}

// Gateways returns the ids of every gateway with stored values.
func (s *Store) Gateways() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byOwner))
	for id := range maps.Keys(s.byOwner) {
		ids = append(ids, id)
	}
	return ids
}

// equal compares scalar values; composite values always count as changed.
func equal(a, b any) bool {
	switch a.(type) {
	case nil, bool, string, int, int64, float64:
		switch b.(type) {
		case nil, bool, string, int, int64, float64:
			return a == b
		}
	}
	return false
}

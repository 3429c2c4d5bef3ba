// Package txstore is the boundary stand-in for the durable state store's
// transaction applier (spec §1: "a durable state store, a transaction
// applier" — named only as a narrow interface the core consumes, its own
// storage format and query planning are out of scope). It gives
// internal/applier a concrete Transactor to drive in tests and single-box
// runs without pulling in a real causal storage engine.
package txstore

import (
	"context"
	"fmt"
	"sync"
)

// Store is a minimal in-memory Transactor: it applies an opaque
// transaction body by treating it as a "key=value" assignment and
// returns the prior value, just enough surface for the applier and its
// tests to exercise the real collaboration boundary.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Apply implements applier.Transactor. content is split on the first '='
// byte into a key and a value; the prior value for that key (nil if
// absent) is returned as the transaction's result.
func (s *Store) Apply(ctx context.Context, content []byte) ([]byte, error) {
	key, value, err := splitAssignment(content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data[key]
	s.data[key] = value
	return prev, nil
}

// Get returns the current value for key, for tests and diagnostics.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func splitAssignment(content []byte) (string, []byte, error) {
	for i, b := range content {
		if b == '=' {
			return string(content[:i]), content[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("txstore: malformed transaction body %q", content)
}

// Package memorystore keeps the counter in process memory.
package memorystore

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-apps-go/counter"
)

// Store is a counter.Store guarded by a mutex. The zero value is ready to use.
type Store struct {
	mu    sync.Mutex
	value int64
}

var _ counter.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store { return &Store{} }

func (s *Store) Get(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *Store) Add(_ context.Context, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += delta
	return s.value, nil
}

func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	s.value = 0
	s.mu.Unlock()
	return nil
}

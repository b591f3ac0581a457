// ABOUTME: Store holds the active policy snapshot and swaps it atomically on reload
// ABOUTME: A failed reload leaves the previous snapshot in place
package policy

import (
	"sync"
	"sync/atomic"
)

// Store is the process-wide holder of the active policy
type Store struct {
	current  atomic.Pointer[Policy]
	reloadMu sync.Mutex
}

// NewStore wraps an already loaded policy
func NewStore(p *Policy) *Store {
	s := &Store{}
	s.current.Store(p)
	return s
}

// Open loads the bundle in dir and returns a store serving it
func Open(dir string) (*Store, error) {
	p, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return NewStore(p), nil
}

// Current returns the active snapshot. Callers keep it for the whole turn.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload loads dir and swaps it in only if the whole bundle is valid.
// An empty dir reloads from the directory of the active snapshot.
func (s *Store) Reload(dir string) (*Policy, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if dir == "" {
		if cur := s.current.Load(); cur != nil {
			dir = cur.Dir
		}
	}
	p, err := Load(dir)
	if err != nil {
		return nil, err
	}
	s.current.Store(p)
	return p, nil
}

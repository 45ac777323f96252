// Package sessions tracks the live relay sessions of one process.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrFull     = errors.New("session limit reached")
	ErrConflict = errors.New("session id already in use")
)

type Handle struct {
	Cancel func()
}

// Store is keyed by connection id. A connection may additionally claim a
// caller-chosen session id, which must be unique across live connections.
type Store struct {
	max int

	mu     sync.Mutex
	conns  map[string]*tracked
	claims map[string]string
	wg     sync.WaitGroup
}

type tracked struct {
	handle    Handle
	sessionID string
	once      sync.Once
}

// NewStore returns a store admitting at most max sessions; max <= 0 means
// unlimited.
func NewStore(max int) *Store {
	return &Store{
		max:    max,
		conns:  make(map[string]*tracked),
		claims: make(map[string]string),
	}
}

func (s *Store) Register(connID string, h Handle) (unregister func(), err error) {
	if s == nil {
		return func() {}, nil
	}
	entry := &tracked{handle: h, sessionID: connID}

	s.mu.Lock()
	if _, ok := s.conns[connID]; ok {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	if owner, ok := s.claims[connID]; ok && owner != connID {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	if s.max > 0 && len(s.conns) >= s.max {
		s.mu.Unlock()
		return nil, ErrFull
	}
	s.conns[connID] = entry
	s.claims[connID] = connID
	s.wg.Add(1)
	s.mu.Unlock()

	return func() { s.unregister(connID, entry) }, nil
}

func (s *Store) unregister(connID string, entry *tracked) {
	entry.once.Do(func() {
		s.mu.Lock()
		if s.conns[connID] == entry {
			delete(s.conns, connID)
		}
		for id, owner := range s.claims {
			if owner == connID {
				delete(s.claims, id)
			}
		}
		s.mu.Unlock()
		s.wg.Done()
	})
}

// Claim moves connID's session id to sessionID.
func (s *Store) Claim(connID, sessionID string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conns[connID]
	if !ok {
		return errors.New("connection is not registered")
	}
	if owner, taken := s.claims[sessionID]; taken && owner != connID {
		return ErrConflict
	}
	if entry.sessionID != connID {
		delete(s.claims, entry.sessionID)
	}
	entry.sessionID = sessionID
	s.claims[sessionID] = connID
	return nil
}

func (s *Store) Count() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// IDs returns the current session id of every live connection, sorted.
func (s *Store) IDs() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]string, 0, len(s.conns))
	for _, entry := range s.conns {
		out = append(out, entry.sessionID)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Store) CancelAll() (canceled int) {
	if s == nil {
		return 0
	}
	var cancels []func()
	s.mu.Lock()
	for _, entry := range s.conns {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait reports whether every registered session ended before ctx was done.
func (s *Store) Wait(ctx context.Context) bool {
	if s == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package memstore provides an in-memory implementation of ledger.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/imara/internal/ledger"
)

// Store holds chain links in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	chains map[string][]ledger.ChainLink // case ID -> links in sequence order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{chains: make(map[string][]ledger.ChainLink)}
}

// Head returns a copy of the most recent link for a case.
func (s *Store) Head(_ context.Context, caseID string) (*ledger.ChainLink, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := s.chains[caseID]
	if len(links) == 0 {
		return nil, false, nil
	}
	cp := links[len(links)-1]
	return &cp, true, nil
}

// Append stores a copy of the link.
func (s *Store) Append(_ context.Context, link *ledger.ChainLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[link.CaseID] = append(s.chains[link.CaseID], *link)
	return nil
}

// Links returns a copy of the full chain for a case in sequence order.
func (s *Store) Links(_ context.Context, caseID string) ([]ledger.ChainLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := s.chains[caseID]
	out := make([]ledger.ChainLink, len(links))
	copy(out, links)
	return out, nil
}

// Tamper overwrites a stored link in place. Test helper for verify
// scenarios; not part of ledger.Store.
func (s *Store) Tamper(caseID string, seq int, mutate func(*ledger.ChainLink)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.chains[caseID]
	for i := range links {
		if links[i].SequenceNo == seq {
			mutate(&links[i])
			return true
		}
	}
	return false
}

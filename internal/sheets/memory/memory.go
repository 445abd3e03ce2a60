// Package memory is an in-process statement sink for tests and local
// runs without Google credentials.
package memory

import (
	"context"
	"sync"

	"coinquilini/internal/core"
	"coinquilini/internal/ledger"
	ports "coinquilini/internal/sheets"
)

type Statement struct {
	Apartment core.Apartment
	Credits   []ledger.TenantCredit
}

type Store struct {
	mu         sync.Mutex
	statements map[int64]Statement
}

var (
	_ ports.StatementWriter  = (*Store)(nil)
	_ ports.StatementRemover = (*Store)(nil)
)

func New() *Store {
	return &Store{statements: make(map[int64]Statement)}
}

func (s *Store) WriteStatement(ctx context.Context, apartment core.Apartment, credits []ledger.TenantCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements[apartment.ID] = Statement{
		Apartment: apartment,
		Credits:   append([]ledger.TenantCredit(nil), credits...),
	}
	return nil
}

func (s *Store) RemoveStatement(ctx context.Context, apartmentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statements, apartmentID)
	return nil
}

// Statement returns the last exported statement for an apartment.
func (s *Store) Statement(apartmentID int64) (Statement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmt, ok := s.statements[apartmentID]
	return stmt, ok
}

// Package auth verifies (apartment, username, password) triples against
// the identity model. Every failure, whether the apartment, the
// username or the password was wrong, surfaces as the same generic
// core.ErrAuthenticationFailed so callers cannot tell the cases apart.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"coinquilini/internal/core"
)

// IdentityStore is the slice of the persistence boundary the
// authenticator needs.
type IdentityStore interface {
	GetApartmentByName(ctx context.Context, name string) (core.Apartment, error)
	GetUserByUsername(ctx context.Context, apartmentID int64, username string) (core.User, error)
}

// Verifier checks a supplied plaintext value against a stored opaque
// credential. Equality is the only observable operation; the storage
// format is this collaborator's concern.
type Verifier interface {
	Verify(stored, supplied string) bool
}

// Hasher derives the stored form of a credential at registration time.
type Hasher interface {
	Hash(plaintext string) (string, error)
}

// BcryptCredentials implements both sides of the credential contract
// with bcrypt.
type BcryptCredentials struct {
	Cost int
}

func (b BcryptCredentials) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptCredentials) Hash(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost())
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hashed), nil
}

func (b BcryptCredentials) Verify(stored, supplied string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
}

// dummyHash is a valid bcrypt digest of an unguessable value, compared
// against on lookup misses so a missing user costs the same as a wrong
// password.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Service authenticates identities against the store.
type Service struct {
	store    IdentityStore
	verifier Verifier
}

func NewService(store IdentityStore, verifier Verifier) *Service {
	return &Service{store: store, verifier: verifier}
}

// Authenticate resolves an identity from an (apartment, username,
// password) triple. An empty apartment name selects the apartment-less
// namespace, where only the root account can match. A bad credential is
// an expected negative result, never a fault: the error is always
// core.ErrAuthenticationFailed.
func (s *Service) Authenticate(ctx context.Context, apartment, username, password string) (core.User, error) {
	var apartmentID int64
	if apartment != "" {
		apt, err := s.store.GetApartmentByName(ctx, apartment)
		if err != nil {
			s.verifier.Verify(dummyHash, password)
			slog.DebugContext(ctx, "Authentication rejected", "apartment", apartment)
			return core.User{}, core.ErrAuthenticationFailed
		}
		apartmentID = apt.ID
	}

	user, err := s.store.GetUserByUsername(ctx, apartmentID, username)
	if err != nil {
		s.verifier.Verify(dummyHash, password)
		return core.User{}, core.ErrAuthenticationFailed
	}

	if apartmentID == 0 && !user.IsRoot() {
		// the apartment-less namespace only ever holds root
		s.verifier.Verify(dummyHash, password)
		return core.User{}, core.ErrAuthenticationFailed
	}

	if !s.verifier.Verify(user.Credential, password) {
		return core.User{}, core.ErrAuthenticationFailed
	}

	slog.InfoContext(ctx, "Authentication succeeded",
		"user_id", user.ID,
		"username", user.Username,
		"apartment_id", user.ApartmentID)
	return user, nil
}

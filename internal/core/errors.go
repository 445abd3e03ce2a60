package core

import "errors"

// Error taxonomy for the ledger core. Validation failures carry a
// specific reason; storage failures surface as ErrStorage; an
// authentication failure is always the same generic value regardless of
// which part of the triple was wrong.
var (
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrRoleNotFound         = errors.New("role not found")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidInvolvedSet   = errors.New("invalid involved tenant set")
	ErrNotFound             = errors.New("not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrStorage              = errors.New("storage failure")

	ErrEmptyName   = errors.New("empty name")
	ErrNameTooLong = errors.New("name too long (max 100 characters)")
	ErrInvalidKind = errors.New("invalid user kind")
)

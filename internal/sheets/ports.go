// Package sheets defines the outbound statement ports.
package sheets

import (
	"context"

	"coinquilini/internal/core"
	"coinquilini/internal/ledger"
)

// StatementWriter exports a balance statement for one apartment. The
// worker calls it after every ledger change event.
type StatementWriter interface {
	WriteStatement(ctx context.Context, apartment core.Apartment, credits []ledger.TenantCredit) error
}

// StatementRemover drops the exported statement of an apartment, used
// when the apartment itself is deleted.
type StatementRemover interface {
	RemoveStatement(ctx context.Context, apartmentID int64) error
}

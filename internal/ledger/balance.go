// Package ledger implements the balance engine: pure computation that
// turns a tenant roster and a set of expense records into a balanced
// credit/debit table. It has no storage dependency; callers load the
// records through the persistence boundary and pass them in.
package ledger

import (
	"sort"

	"coinquilini/internal/core"
)

// TenantCredit is one row of the credit/debit table. Positive means the
// tenant is owed money by the group, negative means the tenant owes.
type TenantCredit struct {
	Tenant core.User
	Credit core.Money
}

// TenantCredits computes the per-tenant balance for one apartment.
//
// The result has one entry for every tenant in the roster, in ascending
// ID order, each initialized to zero. For every expense whose payer is
// in the roster, the full amount is credited to the payer and each
// involved tenant is debited its share. Shares are cent-exact: the
// amount is split with SplitEven over the involved tenants in ascending
// ID order, so the sum of all credits is exactly zero.
//
// Expenses paid by tenants outside the roster are skipped, and involved
// references to tenants outside the roster are dropped before the split
// is computed; identities from other apartments never appear in, or
// influence, the result. The persistence layer rejects cross-apartment
// involved sets at construction time, so a dropped reference here only
// happens on corrupted input.
func TenantCredits(roster []core.User, expenses []core.Expense) ([]TenantCredit, error) {
	index := make(map[int64]int, len(roster))
	credits := make([]TenantCredit, 0, len(roster))
	for _, t := range roster {
		if !t.IsTenant() {
			continue
		}
		index[t.ID] = len(credits)
		credits = append(credits, TenantCredit{Tenant: t})
	}
	sort.Slice(credits, func(i, j int) bool {
		return credits[i].Tenant.ID < credits[j].Tenant.ID
	})
	for i, c := range credits {
		index[c.Tenant.ID] = i
	}

	for _, e := range expenses {
		payer, ok := index[e.PayerID]
		if !ok {
			continue
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}

		involved := make([]int64, 0, len(e.InvolvedIDs))
		for _, id := range e.InvolvedIDs {
			if _, ok := index[id]; ok {
				involved = append(involved, id)
			}
		}
		sort.Slice(involved, func(i, j int) bool { return involved[i] < involved[j] })

		shares, err := e.Amount.SplitEven(len(involved))
		if err != nil {
			return nil, err
		}

		credits[payer].Credit = credits[payer].Credit.Add(e.Amount)
		for i, id := range involved {
			pos := index[id]
			credits[pos].Credit = credits[pos].Credit.Sub(shares[i])
		}
	}

	return credits, nil
}

// TotalExpenses sums the amounts of the given expenses. Independent
// check value; unlike the credit table it is not expected to net to
// zero.
func TotalExpenses(expenses []core.Expense) core.Money {
	var total core.Money
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	return total
}

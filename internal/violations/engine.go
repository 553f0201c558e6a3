// Package violations computes the authoritative violation list of an expense
// transaction against its policy.
//
// Every function in this package is pure: inputs are never mutated and each
// call allocates its own result, so concurrent use needs no locking.
package violations

import "github.com/opensource-finance/kestrel/internal/domain"

// Compute returns the state update that replaces the stored violations of tx.
//
// Derived violations (category and tag kinds) are dropped from prior and
// recomputed. Foreign violations keep their relative order, except that
// customUnitOutOfPolicy is removed once the transaction's modified rate
// belongs to the policy. The resulting list is foreign violations first,
// then the category violation, then tag violations.
func Compute(
	tx *domain.Transaction,
	prior []domain.Violation,
	policy *domain.Policy,
	tags domain.TagList,
	categories domain.CategoryList,
	enforceMissingTagDetail bool,
) domain.StateUpdate {
	var (
		txID             string
		category, tag    string
		rateID           string
		partial          bool
		requiresCategory bool
		requiresTag      bool
	)
	if tx != nil {
		txID = tx.ID
		category = tx.Category
		tag = tx.Tag
		rateID = tx.ModifiedCustomUnitRateID
		partial = tx.IsPartial()
	}
	if policy != nil {
		requiresCategory = policy.RequiresCategory
		requiresTag = policy.RequiresTag
	}

	list := foreign(prior)
	list = filterCustomUnit(list, rateID, policy)

	if v := CategoryViolation(category, categories, requiresCategory, partial); v != nil {
		list = append(list, *v)
	}
	list = append(list, TagViolations(tag, tags, requiresTag, partial, enforceMissingTagDetail)...)

	return domain.StateUpdate{
		Method:        domain.MethodReplace,
		Key:           domain.ViolationsKey(txID),
		TransactionID: txID,
		Value:         list,
	}
}

// foreign copies the non-derived entries of prior into a new slice.
func foreign(prior []domain.Violation) []domain.Violation {
	out := make([]domain.Violation, 0, len(prior)+2)
	for _, v := range prior {
		if v.Name.IsDerived() {
			continue
		}
		out = append(out, v)
	}
	return out
}

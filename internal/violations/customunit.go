package violations

import "github.com/opensource-finance/kestrel/internal/domain"

// filterCustomUnit drops customUnitOutOfPolicy from list when the
// transaction's modified rate belongs to an enabled custom unit of the policy.
// It never adds a violation. list is filtered in place and must be owned by
// the caller.
func filterCustomUnit(list []domain.Violation, rateID string, policy *domain.Policy) []domain.Violation {
	if !policy.HasRate(rateID) {
		return list
	}
	out := list[:0]
	for _, v := range list {
		if v.Name == domain.ViolationCustomUnitOutOfPolicy {
			continue
		}
		out = append(out, v)
	}
	return out
}

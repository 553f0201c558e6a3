package violations

import "github.com/opensource-finance/kestrel/internal/domain"

// CategoryViolation returns the category violation for a transaction, if any.
//
// Categories are only checked when the policy requires them and the
// transaction is not partial. A missing category yields missingCategory; a
// category that is not an enabled entry of the list yields categoryOutOfPolicy.
func CategoryViolation(category string, categories domain.CategoryList, requiresCategory, partial bool) *domain.Violation {
	if !requiresCategory || partial {
		return nil
	}
	if category == "" {
		return &domain.Violation{Name: domain.ViolationMissingCategory, Type: domain.TypeViolation}
	}
	if !categories.IsEnabled(category) {
		return &domain.Violation{Name: domain.ViolationCategoryOutOfPolicy, Type: domain.TypeViolation}
	}
	return nil
}

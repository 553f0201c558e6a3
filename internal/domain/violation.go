package domain

// ViolationName identifies the kind of a violation.
type ViolationName string

// Violation kinds computed by the violation engine on every run.
const (
	ViolationMissingCategory       ViolationName = "missingCategory"
	ViolationCategoryOutOfPolicy   ViolationName = "categoryOutOfPolicy"
	ViolationMissingTag            ViolationName = "missingTag"
	ViolationTagOutOfPolicy        ViolationName = "tagOutOfPolicy"
	ViolationSomeTagLevelsRequired ViolationName = "someTagLevelsRequired"
)

// ViolationCustomUnitOutOfPolicy is raised elsewhere; the engine only drops it
// once the transaction's rate belongs to the policy again.
const ViolationCustomUnitOutOfPolicy ViolationName = "customUnitOutOfPolicy"

// Well-known violation kinds raised by other producers. The engine carries
// them through untouched.
const (
	ViolationDuplicatedTransaction ViolationName = "duplicatedTransaction"
	ViolationReceiptRequired       ViolationName = "receiptRequired"
	ViolationOverLimit             ViolationName = "overLimit"
	ViolationOverCategoryLimit     ViolationName = "overCategoryLimit"
	ViolationFutureDate            ViolationName = "futureDate"
	ViolationMaxAge                ViolationName = "maxAge"
	ViolationMissingComment        ViolationName = "missingComment"
	ViolationTaxOutOfPolicy        ViolationName = "taxOutOfPolicy"
	ViolationBillableExpense       ViolationName = "billableExpense"
	ViolationModifiedAmount        ViolationName = "modifiedAmount"
	ViolationModifiedDate          ViolationName = "modifiedDate"
)

// IsDerived reports whether the kind is fully recomputed by the engine.
// Derived violations are never carried over from a previous list.
func (n ViolationName) IsDerived() bool {
	switch n {
	case ViolationMissingCategory,
		ViolationCategoryOutOfPolicy,
		ViolationMissingTag,
		ViolationTagOutOfPolicy,
		ViolationSomeTagLevelsRequired:
		return true
	default:
		return false
	}
}

// ViolationType is the severity of a violation.
type ViolationType string

const (
	TypeViolation ViolationType = "violation"
	TypeWarning   ViolationType = "warning"
	TypeNotice    ViolationType = "notice"
)

// Valid reports whether t is one of the known severities.
func (t ViolationType) Valid() bool {
	switch t {
	case TypeViolation, TypeWarning, TypeNotice:
		return true
	default:
		return false
	}
}

// Violation is a single compliance finding on a transaction.
type Violation struct {
	Name ViolationName  `json:"name"`
	Type ViolationType  `json:"type"`
	Data *ViolationData `json:"data,omitempty"`
}

// ViolationData carries the contextual payload of a violation.
type ViolationData struct {
	// TagName is the tag group implicated by a tag violation.
	TagName string `json:"tagName,omitempty"`

	// ErrorIndexes lists zero-based missing tag levels.
	ErrorIndexes []int `json:"errorIndexes,omitempty"`

	// RuleID is set on violations emitted by a policy rule.
	RuleID string `json:"ruleId,omitempty"`

	// Message is an optional human-readable explanation.
	Message string `json:"message,omitempty"`
}

// UpdateMethod is how a StateUpdate is applied to persisted state.
type UpdateMethod string

// MethodReplace overwrites the stored value with the update's value.
const MethodReplace UpdateMethod = "replace"

// TransactionViolationsKeyPrefix prefixes the per-transaction violation collection key.
const TransactionViolationsKeyPrefix = "transactionViolations_"

// ViolationsKey returns the state key of a transaction's violation list.
func ViolationsKey(txID string) string {
	return TransactionViolationsKeyPrefix + txID
}

// StateUpdate describes how persisted violation state should change.
type StateUpdate struct {
	Method        UpdateMethod `json:"method"`
	Key           string       `json:"key"`
	TransactionID string       `json:"transactionID"`
	Value         []Violation  `json:"value"`
}

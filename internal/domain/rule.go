package domain

import "time"

// PolicyRule is a custom policy check attached to a policy.
// When Expression evaluates to true for a transaction, a violation named
// Name is emitted with the rule's Type.
type PolicyRule struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId,omitempty"`
	PolicyID    string        `json:"policyID"`
	Name        ViolationName `json:"name"`
	Type        ViolationType `json:"type"`
	Description string        `json:"description,omitempty"`

	// CEL expression to evaluate; must return bool
	Expression string `json:"expression"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// PolicyRuleRequest is the API request payload for creating a policy rule.
type PolicyRuleRequest struct {
	ID          string        `json:"id,omitempty"`
	Name        ViolationName `json:"name" validate:"required"`
	Type        ViolationType `json:"type" validate:"omitempty,oneof=violation warning notice"`
	Description string        `json:"description,omitempty"`
	Expression  string        `json:"expression" validate:"required"`
	Enabled     bool          `json:"enabled"`
}

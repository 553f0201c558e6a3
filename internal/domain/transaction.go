package domain

import (
	"time"
)

// PartialTransactionMerchant is the merchant placeholder carried by a transaction
// that has been created but not yet filled in (e.g. a receipt still being scanned).
const PartialTransactionMerchant = "(none)"

// Transaction represents a submitted expense.
type Transaction struct {
	// Core identifiers
	ID       string `json:"transactionID"`
	TenantID string `json:"tenantId"`
	PolicyID string `json:"policyID"`
	ReportID string `json:"reportID,omitempty"`

	// Financial details. Amount is expressed in minor currency units.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Merchant string `json:"merchant"`

	// Coding. Tag may encode several levels separated by ':'.
	Category string `json:"category,omitempty"`
	Tag      string `json:"tag,omitempty"`

	// Distance expenses reference a custom unit rate of the policy.
	ModifiedCustomUnitRateID string `json:"modifiedCustomUnitRateID,omitempty"`

	// Temporal
	Created   time.Time `json:"created"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// IsPartial reports whether the transaction is a placeholder that has no
// amount and no merchant yet. Partial transactions are exempt from coding
// requirements.
func (t *Transaction) IsPartial() bool {
	return t.Amount == 0 && t.Merchant == PartialTransactionMerchant
}

// TransactionRequest is the API request payload for creating or updating a transaction.
type TransactionRequest struct {
	PolicyID                 string    `json:"policyID" validate:"required"`
	ReportID                 string    `json:"reportID,omitempty"`
	Amount                   int64     `json:"amount"`
	Currency                 string    `json:"currency" validate:"required,currency_code"`
	Merchant                 string    `json:"merchant"`
	Category                 string    `json:"category,omitempty"`
	Tag                      string    `json:"tag,omitempty"`
	ModifiedCustomUnitRateID string    `json:"modifiedCustomUnitRateID,omitempty"`
	Created                  time.Time `json:"created"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(tenantID, txID string) *Transaction {
	now := time.Now().UTC()
	created := r.Created
	if created.IsZero() {
		created = now
	}
	return &Transaction{
		ID:                       txID,
		TenantID:                 tenantID,
		PolicyID:                 r.PolicyID,
		ReportID:                 r.ReportID,
		Amount:                   r.Amount,
		Currency:                 r.Currency,
		Merchant:                 r.Merchant,
		Category:                 r.Category,
		Tag:                      r.Tag,
		ModifiedCustomUnitRateID: r.ModifiedCustomUnitRateID,
		Created:                  created.UTC(),
		UpdatedAt:                now,
	}
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParsedTransaction is one <transaction> element, either nested in an
// activity or placed directly under the document root.
type ParsedTransaction struct {
	// Key identifies the transaction within the run: "<activity>#<n>" for
	// nested transactions, "root#<n>" for root-level ones.
	Key      string              `json:"key"`
	Ref      string              `json:"ref,omitempty"`
	TypeCode string              `json:"type_code"`
	Value    decimal.NullDecimal `json:"value"`
	// ValueText is the raw amount text, kept for diagnostics.
	ValueText       string        `json:"value_text,omitempty"`
	Currency        string        `json:"currency,omitempty"`
	ValueDate       *time.Time    `json:"value_date,omitempty"`
	TransactionDate *time.Time    `json:"transaction_date,omitempty"`
	Description     string        `json:"description,omitempty"`
	Provider        *OrgReference `json:"provider,omitempty"`
	Receiver        *OrgReference `json:"receiver,omitempty"`
	// ActivityRef is the explicit external activity reference, if any.
	ActivityRef string `json:"activity_ref,omitempty"`
	// ContainerID is the identifier of the enclosing activity, empty for root-level transactions.
	ContainerID string `json:"container_id,omitempty"`

	AidTypeCode             string `json:"aid_type_code,omitempty"`
	FlowTypeCode            string `json:"flow_type_code,omitempty"`
	FinanceTypeCode         string `json:"finance_type_code,omitempty"`
	TiedStatusCode          string `json:"tied_status_code,omitempty"`
	DisbursementChannelCode string `json:"disbursement_channel_code,omitempty"`

	// ValueUSD is filled by the transaction processor when a rate is known.
	ValueUSD decimal.NullDecimal `json:"value_usd"`

	Problems []FieldProblem `json:"problems,omitempty"`
}

// Date returns the date the amount is attached to: the value-date when
// present, otherwise the transaction date.
func (t *ParsedTransaction) Date() *time.Time {
	if t.ValueDate != nil {
		return t.ValueDate
	}
	return t.TransactionDate
}

// ReferenceString is the activity reference the transaction carries: the
// explicit reference when set, otherwise its container.
func (t *ParsedTransaction) ReferenceString() string {
	if t.ActivityRef != "" {
		return t.ActivityRef
	}
	return t.ContainerID
}

// Organizations returns the non-empty provider and receiver references.
func (t *ParsedTransaction) Organizations() []OrgReference {
	var refs []OrgReference
	if t.Provider != nil && !t.Provider.IsEmpty() {
		refs = append(refs, *t.Provider)
	}
	if t.Receiver != nil && !t.Receiver.IsEmpty() {
		refs = append(refs, *t.Receiver)
	}
	return refs
}

package models

// StoredOrganization is an organisation already persisted.
type StoredOrganization struct {
	ID          int64  `json:"id"`
	Identifier  string `json:"identifier,omitempty"`
	Name        string `json:"name"`
	TypeCode    string `json:"type_code,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// StoredActivity is an activity already persisted.
type StoredActivity struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
}

// WriteOutcome is the result of one write in a persistence batch.
type WriteOutcome string

const (
	OutcomeCreated   WriteOutcome = "created"
	OutcomeUpdated   WriteOutcome = "updated"
	OutcomeDuplicate WriteOutcome = "duplicate"
	// OutcomeConflict means a create hit a uniqueness constraint.
	OutcomeConflict WriteOutcome = "conflict"
	OutcomeFailed   WriteOutcome = "failed"
)

// WriteResult is returned per write, in input order. ID is set for created
// and updated records.
type WriteResult struct {
	ID      int64
	Outcome WriteOutcome
	Err     error
}

// OrganizationWrite creates the organisation when ID is zero, else updates it.
type OrganizationWrite struct {
	ID           int64
	Organization ParsedOrganization
}

// Participant links an activity to an organisation in a role.
type Participant struct {
	OrganizationID int64
	Role           OrgRole
}

// ActivityWrite creates the activity when ID is zero, else updates it.
type ActivityWrite struct {
	ID           int64
	Activity     *ParsedActivity
	Participants []Participant
}

// TransactionWrite inserts one transaction. ActivityID is zero for an
// unlinked transaction. DedupKey must be unique across the store.
type TransactionWrite struct {
	ActivityID    int64
	ProviderOrgID int64
	ReceiverOrgID int64
	DedupKey      string
	Transaction   *ParsedTransaction
}

// ImportLog is the persisted summary of one import run.
type ImportLog struct {
	RunID                string `json:"run_id"`
	FileName             string `json:"file_name"`
	Status               string `json:"status"`
	OrganizationsCreated int    `json:"organizations_created"`
	ActivitiesCreated    int    `json:"activities_created"`
	TransactionsCreated  int    `json:"transactions_created"`
	ErrorCount           int    `json:"error_count"`
	WarningCount         int    `json:"warning_count"`
	Message              string `json:"message,omitempty"`
	CreatedAt            string `json:"created_at,omitempty"`
}

package services

import (
	"context"
	"errors"
	"time"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/parsers/iati"
	"github.com/username/aims/backend/src/processors"
)

var (
	ErrParsingFailed = errors.New("failed to parse IATI file")
	ErrLookupFailed  = errors.New("store lookup failed")
	ErrImportFailed  = errors.New("import failed")
)

// Persistence is the write side of the store. Each call is one batch; results
// come back in input order. A returned error means the store itself failed
// and nothing in the batch can be trusted.
type Persistence interface {
	SaveOrganizations(ctx context.Context, writes []models.OrganizationWrite) ([]models.WriteResult, error)
	SaveActivities(ctx context.Context, writes []models.ActivityWrite) ([]models.WriteResult, error)
	SaveTransactions(ctx context.Context, writes []models.TransactionWrite) ([]models.WriteResult, error)
}

// Store combines the read and write collaborators with the run log.
type Store interface {
	processors.Lookup
	Persistence
	SaveImportLog(ctx context.Context, log models.ImportLog) error
}

// EntityPreview counts the decisions taken for one entity kind.
type EntityPreview struct {
	Total  int `json:"total"`
	Create int `json:"create"`
	Update int `json:"update"`
	Skip   int `json:"skip"`
}

// TransactionPreview counts the link state of transactions.
type TransactionPreview struct {
	Total      int `json:"total"`
	Linked     int `json:"linked"`
	Unresolved int `json:"unresolved"`
	Blocked    int `json:"blocked"`
}

// ExistingMatch is an entity in the file that matched a stored record.
type ExistingMatch struct {
	Entity    models.EntityKind `json:"entity"`
	Reference string            `json:"reference"`
	ID        int64             `json:"id"`
}

// UnresolvedTransaction is what a reviewer sees for a transaction awaiting
// manual assignment.
type UnresolvedTransaction struct {
	Key         string `json:"key"`
	Reference   string `json:"reference,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	TypeCode    string `json:"type_code"`
	Value       string `json:"value"`
	Currency    string `json:"currency"`
	Date        string `json:"date"`
	Provider    string `json:"provider,omitempty"`
	Receiver    string `json:"receiver,omitempty"`
}

// Preview is the outcome of parsing a file, before anything is persisted.
type Preview struct {
	SessionID     string                  `json:"session_id"`
	FileName      string                  `json:"file_name,omitempty"`
	Version       string                  `json:"version,omitempty"`
	ExpiresAt     time.Time               `json:"expires_at"`
	Organizations EntityPreview           `json:"organizations"`
	Activities    EntityPreview           `json:"activities"`
	Transactions  TransactionPreview      `json:"transactions"`
	Matches       []ExistingMatch         `json:"existing_matches"`
	Errors        []models.Issue          `json:"errors"`
	Warnings      []models.Issue          `json:"warnings"`
	Unresolved    []UnresolvedTransaction `json:"unresolved"`
}

// AssignmentResult reports what an assignment request changed in a session.
type AssignmentResult struct {
	Rejected   []models.Issue          `json:"rejected"`
	Unresolved []UnresolvedTransaction `json:"unresolved"`
}

// ImportService drives a file through parse, review and import.
type ImportService interface {
	// Parse reads, validates, resolves and links the file and keeps the
	// result in a review session. Nothing is persisted.
	Parse(ctx context.Context, fileName string, data []byte) (*Preview, error)
	// Inspect returns structural diagnostics without a session.
	Inspect(ctx context.Context, data []byte, sampleSize int) (*iati.Diagnostics, error)
	ListUnresolved(ctx context.Context, sessionID string) ([]UnresolvedTransaction, error)
	ApplyAssignments(ctx context.Context, sessionID string, req processors.AssignmentRequest) (*AssignmentResult, error)
	// Import applies req and executes the session. The report is returned
	// even when err is non-nil, with whatever completed.
	Import(ctx context.Context, sessionID string, req processors.AssignmentRequest) (*models.ImportReport, error)
	// ImportFile is Parse followed by Import for callers that need no review.
	ImportFile(ctx context.Context, fileName string, data []byte, req processors.AssignmentRequest) (*models.ImportReport, error)
	Discard(sessionID string) bool
}

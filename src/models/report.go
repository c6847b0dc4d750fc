package models

import (
	"fmt"
	"time"
)

// Severity separates blocking errors from non-blocking warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeMalformedDocument  = "malformed_document"
	CodeEntityParse        = "entity_parse_error"
	CodeMissingField       = "missing_field"
	CodeInvalidValue       = "invalid_value"
	CodeUnknownCode        = "unknown_code"
	CodeDefaulted          = "defaulted"
	CodeUnresolved         = "unresolved_reference"
	CodeAssignmentRejected = "assignment_rejected"
	CodeDependencyFailed   = "dependency_failed"
	CodePersistence        = "persistence_error"
	CodeConflictRetried    = "conflict_retried"
	CodeMissingRate        = "missing_exchange_rate"
	CodeCancelled          = "cancelled"
)

// Issue is one (entity reference, message) pair in a preview or report.
type Issue struct {
	Entity    EntityKind `json:"entity"`
	Reference string     `json:"reference"`
	Severity  Severity   `json:"severity"`
	Code      string     `json:"code"`
	Field     string     `json:"field,omitempty"`
	Message   string     `json:"message"`
}

func (i Issue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("[%s] %s %s (%s): %s", i.Severity, i.Entity, i.Reference, i.Field, i.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", i.Severity, i.Entity, i.Reference, i.Message)
}

// Blocking reports whether the issue excludes its entity from the import.
func (i Issue) Blocking() bool {
	switch i.Severity {
	case SeverityError:
		return true
	case SeverityWarning:
		return false
	default:
		panic(fmt.Sprintf("unknown severity %q", i.Severity))
	}
}

// EntityCounts are the per-entity-type outcome counters of a run.
type EntityCounts struct {
	Created           int `json:"created"`
	Updated           int `json:"updated"`
	Skipped           int `json:"skipped"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	Failed            int `json:"failed"`
}

// Total is the number of entities the counters account for.
func (c EntityCounts) Total() int {
	return c.Created + c.Updated + c.Skipped + c.SkippedDuplicates + c.Failed
}

// CreatedRecord is an entry in the sample of records created by a run.
type CreatedRecord struct {
	Entity     EntityKind `json:"entity"`
	ID         int64      `json:"id"`
	Reference  string     `json:"reference"`
	ActivityID int64      `json:"activity_id,omitempty"`
}

// ImportReport is the structured outcome of one import run.
type ImportReport struct {
	RunID         string          `json:"run_id"`
	FileName      string          `json:"file_name,omitempty"`
	Organizations EntityCounts    `json:"organizations"`
	Activities    EntityCounts    `json:"activities"`
	Transactions  EntityCounts    `json:"transactions"`
	Errors        []Issue         `json:"errors"`
	Warnings      []Issue         `json:"warnings"`
	Created       []CreatedRecord `json:"created_sample"`
	// Fatal holds the message of the error that aborted the run, if any.
	Fatal      string    `json:"fatal,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	sampleSize int
}

// NewImportReport starts an empty report. sampleSize bounds the created sample.
func NewImportReport(runID string, sampleSize int) *ImportReport {
	return &ImportReport{
		RunID:      runID,
		Errors:     []Issue{},
		Warnings:   []Issue{},
		Created:    []CreatedRecord{},
		StartedAt:  time.Now().UTC(),
		sampleSize: sampleSize,
	}
}

// Counts returns the counters for an entity kind.
func (r *ImportReport) Counts(kind EntityKind) *EntityCounts {
	switch kind {
	case EntityOrganization:
		return &r.Organizations
	case EntityActivity:
		return &r.Activities
	case EntityTransaction:
		return &r.Transactions
	default:
		panic(fmt.Sprintf("no counters for entity kind %q", kind))
	}
}

// Add files the issue under errors or warnings by its severity.
func (r *ImportReport) Add(issues ...Issue) {
	for _, issue := range issues {
		if issue.Blocking() {
			r.Errors = append(r.Errors, issue)
		} else {
			r.Warnings = append(r.Warnings, issue)
		}
	}
}

// RecordCreated appends to the created sample until it is full.
func (r *ImportReport) RecordCreated(rec CreatedRecord) {
	if r.sampleSize > 0 && len(r.Created) >= r.sampleSize {
		return
	}
	r.Created = append(r.Created, rec)
}

// Finish stamps the end time.
func (r *ImportReport) Finish() {
	r.FinishedAt = time.Now().UTC()
}

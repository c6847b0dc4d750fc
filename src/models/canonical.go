// backend/src/models/canonical.go
package models

import (
	"strings"
	"time"

	"github.com/username/aims/backend/src/utils"
)

// EntityKind names the entity an issue or decision refers to.
type EntityKind string

const (
	EntityDocument     EntityKind = "document"
	EntityOrganization EntityKind = "organization"
	EntityActivity     EntityKind = "activity"
	EntityTransaction  EntityKind = "transaction"
)

// OrgRole is the role an organisation plays in an activity.
type OrgRole string

const (
	RoleFunding      OrgRole = "funding"
	RoleAccountable  OrgRole = "accountable"
	RoleExtending    OrgRole = "extending"
	RoleImplementing OrgRole = "implementing"
	RoleReporting    OrgRole = "reporting"
	RoleProvider     OrgRole = "provider"
	RoleReceiver     OrgRole = "receiver"
)

// OrgReference points at an organisation by identifier and/or name, as
// found inside an activity or a transaction.
type OrgReference struct {
	Ref      string  `json:"ref,omitempty"`
	Name     string  `json:"name,omitempty"`
	TypeCode string  `json:"type_code,omitempty"`
	Role     OrgRole `json:"role,omitempty"`
}

// IsEmpty reports whether the reference carries neither identifier nor name.
func (r OrgReference) IsEmpty() bool {
	return strings.TrimSpace(r.Ref) == "" && strings.TrimSpace(r.Name) == ""
}

// Key returns the run-local identity of the referenced organisation.
func (r OrgReference) Key() string {
	return OrganizationKey(r.Ref, r.Name)
}

// Label is a human readable form used in reports.
func (r OrgReference) Label() string {
	switch {
	case r.Ref != "" && r.Name != "":
		return r.Name + " (" + r.Ref + ")"
	case r.Ref != "":
		return r.Ref
	default:
		return r.Name
	}
}

// Organization turns the reference into a resolvable organisation record.
func (r OrgReference) Organization(source string) *ParsedOrganization {
	return &ParsedOrganization{
		Identifier:  strings.TrimSpace(r.Ref),
		Name:        strings.TrimSpace(r.Name),
		TypeCode:    r.TypeCode,
		CountryCode: utils.CountryFromOrgIdentifier(r.Ref),
		Source:      source,
	}
}

// ParsedOrganization is an organisation read from the current file. It exists
// only for the duration of one import run.
type ParsedOrganization struct {
	Identifier  string `json:"identifier,omitempty"`
	Name        string `json:"name"`
	TypeCode    string `json:"type_code,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	// Source is the element the organisation was read from, e.g. "iati-organisation" or "participating-org".
	Source string `json:"source"`
}

// Key is the identifier when present, else the normalized name.
func (o ParsedOrganization) Key() string {
	return OrganizationKey(o.Identifier, o.Name)
}

// Label is a human readable form used in reports.
func (o ParsedOrganization) Label() string {
	return OrgReference{Ref: o.Identifier, Name: o.Name}.Label()
}

// OrganizationKey builds the identity key shared by parsed organisations and
// references to them.
func OrganizationKey(identifier, name string) string {
	if id := strings.TrimSpace(identifier); id != "" {
		return "ref:" + id
	}
	return "name:" + utils.NormalizeName(name)
}

// ParsedActivity is one <iati-activity> element with everything nested in it.
type ParsedActivity struct {
	Identifier         string               `json:"identifier"`
	Title              string               `json:"title"`
	Description        string               `json:"description,omitempty"`
	StatusCode         string               `json:"status_code,omitempty"`
	DefaultCurrency    string               `json:"default_currency,omitempty"`
	StartDate          *time.Time           `json:"start_date,omitempty"`
	EndDate            *time.Time           `json:"end_date,omitempty"`
	RecipientCountries []string             `json:"recipient_countries,omitempty"`
	ReportingOrg       *OrgReference        `json:"reporting_org,omitempty"`
	Participants       []OrgReference       `json:"participants,omitempty"`
	Transactions       []*ParsedTransaction `json:"transactions"`
	// Problems are non-fatal defects noticed while reading the element.
	Problems []FieldProblem `json:"problems,omitempty"`
	// Position is the 1-based index of the first occurrence in the document.
	Position int `json:"position"`
}

// Merge folds a later duplicate of the same activity into a. Non-empty
// fields of the later element win; transactions and organisations accumulate.
func (a *ParsedActivity) Merge(later *ParsedActivity) {
	if later.Title != "" {
		a.Title = later.Title
	}
	if later.Description != "" {
		a.Description = later.Description
	}
	if later.StatusCode != "" {
		a.StatusCode = later.StatusCode
	}
	if later.DefaultCurrency != "" {
		a.DefaultCurrency = later.DefaultCurrency
	}
	if later.StartDate != nil {
		a.StartDate = later.StartDate
	}
	if later.EndDate != nil {
		a.EndDate = later.EndDate
	}
	if later.ReportingOrg != nil {
		a.ReportingOrg = later.ReportingOrg
	}
	for _, c := range later.RecipientCountries {
		if !containsString(a.RecipientCountries, c) {
			a.RecipientCountries = append(a.RecipientCountries, c)
		}
	}
	for _, p := range later.Participants {
		if !containsParticipant(a.Participants, p) {
			a.Participants = append(a.Participants, p)
		}
	}
	a.Transactions = append(a.Transactions, later.Transactions...)
	a.Problems = append(a.Problems, later.Problems...)
}

// FieldProblem is a defect the extractor noticed in a field without being
// able to interpret it. The validator turns each one into an issue.
type FieldProblem struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Document is the complete output of the extractor for one file.
type Document struct {
	Activities    []*ParsedActivity     `json:"activities"`
	Organizations []*ParsedOrganization `json:"organizations"`
	// RootTransactions are <transaction> elements outside any activity.
	RootTransactions []*ParsedTransaction `json:"root_transactions,omitempty"`
	ParseIssues      []Issue              `json:"parse_issues,omitempty"`
	Version          string               `json:"version,omitempty"`
}

// Transactions lists every transaction in document order, nested ones first.
func (d *Document) Transactions() []*ParsedTransaction {
	var txs []*ParsedTransaction
	for _, a := range d.Activities {
		txs = append(txs, a.Transactions...)
	}
	return append(txs, d.RootTransactions...)
}

// Activity returns the activity with the given identifier, if present.
func (d *Document) Activity(identifier string) (*ParsedActivity, bool) {
	for _, a := range d.Activities {
		if a.Identifier == identifier {
			return a, true
		}
	}
	return nil, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsParticipant(list []OrgReference, p OrgReference) bool {
	for _, v := range list {
		if v.Key() == p.Key() && v.Role == p.Role {
			return true
		}
	}
	return false
}

package processors

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
)

// DefaultCurrency is applied, with a warning, to transactions that state no currency.
const DefaultCurrency = "USD"

var (
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	countryPattern  = regexp.MustCompile(`^[A-Z]{2}$`)
)

var participantRoles = map[models.OrgRole]bool{
	models.RoleFunding:      true,
	models.RoleAccountable:  true,
	models.RoleExtending:    true,
	models.RoleImplementing: true,
}

// ValidationResult lists every issue found plus the entities blocked by an error.
// Organisation checks only warn, so organisations are never blocked.
type ValidationResult struct {
	Issues              []models.Issue
	BlockedActivities   map[string]bool
	BlockedTransactions map[string]bool
}

// Errors returns the blocking issues.
func (r *ValidationResult) Errors() []models.Issue {
	var out []models.Issue
	for _, i := range r.Issues {
		if i.Blocking() {
			out = append(out, i)
		}
	}
	return out
}

// Warnings returns the non-blocking issues.
func (r *ValidationResult) Warnings() []models.Issue {
	var out []models.Issue
	for _, i := range r.Issues {
		if !i.Blocking() {
			out = append(out, i)
		}
	}
	return out
}

// Validator checks required fields and code-list membership. Errors block the
// entity; warnings keep it and reset the offending field to empty or its
// documented default.
type Validator struct {
	countryKnown func(string) bool
}

type ValidatorOption func(*Validator)

// WithCountryCheck validates country codes against a loaded country list.
func WithCountryCheck(known func(string) bool) ValidatorOption {
	return func(v *Validator) { v.countryKnown = known }
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateDocument validates every organisation, activity and transaction.
// orgs are the organisations that take part in resolution.
func (v *Validator) ValidateDocument(doc *models.Document, orgs []*models.ParsedOrganization) *ValidationResult {
	res := &ValidationResult{
		BlockedActivities:   make(map[string]bool),
		BlockedTransactions: make(map[string]bool),
	}
	record := func(issues []models.Issue, blocked map[string]bool, key string) {
		res.Issues = append(res.Issues, issues...)
		for _, i := range issues {
			if i.Blocking() {
				blocked[key] = true
			}
		}
	}

	for _, org := range orgs {
		res.Issues = append(res.Issues, v.ValidateOrganization(org)...)
	}
	for _, a := range doc.Activities {
		record(v.ValidateActivity(a), res.BlockedActivities, a.Identifier)
	}
	for _, tx := range doc.Transactions() {
		record(v.ValidateTransaction(tx), res.BlockedTransactions, tx.Key)
	}

	logger.L.Info("Validation complete",
		"issues", len(res.Issues),
		"blockedActivities", len(res.BlockedActivities),
		"blockedTransactions", len(res.BlockedTransactions))
	return res
}

func (v *Validator) ValidateOrganization(org *models.ParsedOrganization) []models.Issue {
	ref := org.Label()
	var issues []models.Issue
	warn := func(field, format string, args ...any) {
		issues = append(issues, issue(models.EntityOrganization, ref, models.SeverityWarning, models.CodeUnknownCode, field, fmt.Sprintf(format, args...)))
	}

	if strings.TrimSpace(org.Name) == "" {
		issues = append(issues, issue(models.EntityOrganization, ref, models.SeverityWarning, models.CodeMissingField, "name",
			"organisation has no name; it can only be matched to an existing record"))
	}
	if org.TypeCode != "" && !organisationTypes[org.TypeCode] {
		warn("type", "unknown organisation type %q, cleared", org.TypeCode)
		org.TypeCode = ""
	}
	if org.CountryCode != "" && !v.validCountry(org.CountryCode) {
		warn("country", "unknown country code %q, cleared", org.CountryCode)
		org.CountryCode = ""
	}
	return issues
}

// ValidateActivity checks activity-level fields. Nested transactions are
// validated separately.
func (v *Validator) ValidateActivity(a *models.ParsedActivity) []models.Issue {
	ref := a.Identifier
	var issues []models.Issue
	for _, p := range a.Problems {
		issues = append(issues, issue(models.EntityActivity, ref, p.Severity, models.CodeInvalidValue, p.Field, p.Message))
	}

	if strings.TrimSpace(a.Title) == "" {
		issues = append(issues, issue(models.EntityActivity, ref, models.SeverityError, models.CodeMissingField, "title", "activity has no title"))
	}
	if a.StatusCode != "" && !activityStatuses[a.StatusCode] {
		issues = append(issues, issue(models.EntityActivity, ref, models.SeverityWarning, models.CodeUnknownCode, "activity-status",
			fmt.Sprintf("unknown activity status %q, cleared", a.StatusCode)))
		a.StatusCode = ""
	}
	if a.StartDate != nil && a.EndDate != nil && a.EndDate.Before(*a.StartDate) {
		issues = append(issues, issue(models.EntityActivity, ref, models.SeverityWarning, models.CodeInvalidValue, "activity-date",
			"end date is before start date"))
	}

	kept := a.RecipientCountries[:0]
	for _, c := range a.RecipientCountries {
		if v.validCountry(c) {
			kept = append(kept, c)
			continue
		}
		issues = append(issues, issue(models.EntityActivity, ref, models.SeverityWarning, models.CodeUnknownCode, "recipient-country",
			fmt.Sprintf("unknown recipient country %q, dropped", c)))
	}
	a.RecipientCountries = kept

	for i := range a.Participants {
		p := &a.Participants[i]
		if p.Role != "" && !participantRoles[p.Role] {
			issues = append(issues, issue(models.EntityActivity, ref, models.SeverityWarning, models.CodeUnknownCode, "participating-org",
				fmt.Sprintf("unknown role %q for %s, cleared", p.Role, p.Label())))
			p.Role = ""
		}
	}
	return issues
}

func (v *Validator) ValidateTransaction(tx *models.ParsedTransaction) []models.Issue {
	ref := tx.Key
	var issues []models.Issue
	add := func(sev models.Severity, code, field, msg string) {
		issues = append(issues, issue(models.EntityTransaction, ref, sev, code, field, msg))
	}
	problemFields := make(map[string]bool)
	for _, p := range tx.Problems {
		problemFields[p.Field] = true
		add(p.Severity, models.CodeInvalidValue, p.Field, p.Message)
	}

	if !tx.Value.Valid && !problemFields["value"] {
		add(models.SeverityError, models.CodeMissingField, "value", "missing amount: <value> has no text content")
	}
	if tx.Date() == nil && !problemFields["value-date"] && !problemFields["transaction-date"] {
		add(models.SeverityError, models.CodeMissingField, "value-date", "amount has no date: neither value-date nor transaction-date is set")
	}

	switch {
	case tx.TypeCode == "":
		add(models.SeverityError, models.CodeMissingField, "transaction-type", "missing transaction type")
	case TransactionTypes[tx.TypeCode] == "":
		add(models.SeverityError, models.CodeUnknownCode, "transaction-type", fmt.Sprintf("unknown transaction type %q", tx.TypeCode))
	}

	switch {
	case tx.Currency == "":
		add(models.SeverityWarning, models.CodeDefaulted, "currency", "missing currency, defaulted to "+DefaultCurrency)
		tx.Currency = DefaultCurrency
	case !currencyPattern.MatchString(tx.Currency):
		add(models.SeverityWarning, models.CodeDefaulted, "currency", fmt.Sprintf("currency %q is not an ISO 4217 code, defaulted to %s", tx.Currency, DefaultCurrency))
		tx.Currency = DefaultCurrency
	}

	checkCode := func(field string, value *string, list map[string]bool) {
		if *value != "" && !list[*value] {
			add(models.SeverityWarning, models.CodeUnknownCode, field, fmt.Sprintf("unknown %s %q, cleared", field, *value))
			*value = ""
		}
	}
	checkCode("aid-type", &tx.AidTypeCode, aidTypes)
	checkCode("flow-type", &tx.FlowTypeCode, flowTypes)
	checkCode("finance-type", &tx.FinanceTypeCode, financeTypes)
	checkCode("tied-status", &tx.TiedStatusCode, tiedStatuses)
	checkCode("disbursement-channel", &tx.DisbursementChannelCode, disbursementChannels)
	return issues
}

func (v *Validator) validCountry(code string) bool {
	if !countryPattern.MatchString(code) {
		return false
	}
	if v.countryKnown == nil {
		return true
	}
	return v.countryKnown(code)
}

func issue(kind models.EntityKind, ref string, sev models.Severity, code, field, msg string) models.Issue {
	return models.Issue{Entity: kind, Reference: ref, Severity: sev, Code: code, Field: field, Message: msg}
}

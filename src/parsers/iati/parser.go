package iati

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

const (
	rootActivities    = "iati-activities"
	rootOrganisations = "iati-organisations"
)

// legacyTransactionTypes maps IATI 1.x letter codes to the 2.x numeric list.
var legacyTransactionTypes = map[string]string{
	"IF": "1", "C": "2", "D": "3", "E": "4", "IR": "5",
	"LR": "6", "R": "7", "QP": "8", "QS": "9", "CG": "10",
}

var participantRoles = map[string]models.OrgRole{
	"1": models.RoleFunding, "funding": models.RoleFunding,
	"2": models.RoleAccountable, "accountable": models.RoleAccountable,
	"3": models.RoleExtending, "extending": models.RoleExtending,
	"4": models.RoleImplementing, "implementing": models.RoleImplementing,
}

// IATIParser reads IATI activity and organisation files.
type IATIParser struct{}

// NewParser creates a new instance of the IATIParser.
func NewParser() *IATIParser {
	return &IATIParser{}
}

// item is one top-level record produced while walking a document.
type item struct {
	activity     *models.ParsedActivity
	organization *models.ParsedOrganization
	transaction  *models.ParsedTransaction
	err          error
}

// Activities yields each <iati-activity> as soon as it has been read. A nil
// activity with an ErrEntityParse error reports a skipped element; an
// ErrMalformedDocument error is final. Each range restarts from the first byte.
func (p *IATIParser) Activities(data []byte) iter.Seq2[*models.ParsedActivity, error] {
	return func(yield func(*models.ParsedActivity, error) bool) {
		_, err := walk(data, func(it item) bool {
			switch {
			case it.activity != nil:
				return yield(it.activity, nil)
			case it.err != nil:
				return yield(nil, it.err)
			}
			return true
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// Organizations yields the top-level <iati-organisation> records of an
// organisation file. Activity files yield nothing.
func (p *IATIParser) Organizations(data []byte) iter.Seq2[*models.ParsedOrganization, error] {
	return func(yield func(*models.ParsedOrganization, error) bool) {
		_, err := walk(data, func(it item) bool {
			switch {
			case it.organization != nil:
				return yield(it.organization, nil)
			case it.err != nil:
				return yield(nil, it.err)
			}
			return true
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// Parse reads the whole document. Activities sharing an identifier are merged
// into the first occurrence.
func (p *IATIParser) Parse(data []byte) (*models.Document, error) {
	startTime := time.Now()
	doc := &models.Document{
		Activities:    []*models.ParsedActivity{},
		Organizations: []*models.ParsedOrganization{},
	}
	byIdentifier := make(map[string]*models.ParsedActivity)

	version, err := walk(data, func(it item) bool {
		switch {
		case it.activity != nil:
			if first, ok := byIdentifier[it.activity.Identifier]; ok {
				logger.L.Debug("Merging duplicate activity", "identifier", it.activity.Identifier, "position", it.activity.Position)
				first.Merge(it.activity)
				return true
			}
			byIdentifier[it.activity.Identifier] = it.activity
			doc.Activities = append(doc.Activities, it.activity)
		case it.organization != nil:
			doc.Organizations = append(doc.Organizations, it.organization)
		case it.transaction != nil:
			doc.RootTransactions = append(doc.RootTransactions, it.transaction)
		case it.err != nil:
			issue := models.Issue{
				Entity:   models.EntityActivity,
				Severity: models.SeverityError,
				Code:     models.CodeEntityParse,
				Message:  it.err.Error(),
			}
			var entityErr *models.EntityError
			if errors.As(it.err, &entityErr) {
				issue.Entity = entityErr.Entity
				issue.Reference = entityErr.Reference
			}
			doc.ParseIssues = append(doc.ParseIssues, issue)
			logger.L.Warn("IATI Parser: Skipping element due to parse error", "error", it.err)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	doc.Version = version

	logger.L.Info("IATI document parsed",
		"activities", len(doc.Activities),
		"organizations", len(doc.Organizations),
		"rootTransactions", len(doc.RootTransactions),
		"parseIssues", len(doc.ParseIssues),
		"duration", time.Since(startTime))
	return doc, nil
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

func hasUnicodeBOM(data []byte) bool {
	return bytes.HasPrefix(data, bomUTF8) || bytes.HasPrefix(data, bomUTF16LE) || bytes.HasPrefix(data, bomUTF16BE)
}

// newDecoder returns a decoder that sees UTF-8. A byte order mark decides the
// encoding and overrides the declared one; otherwise a non-UTF-8 declaration
// is transcoded through its charset label.
func newDecoder(data []byte) *xml.Decoder {
	if hasUnicodeBOM(data) {
		r := transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(encoding.Nop.NewDecoder()))
		decoder := xml.NewDecoder(r)
		decoder.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
		return decoder
	}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.CharsetReader = charset.NewReaderLabel
	return decoder
}

// walk streams the document and calls visit for each top-level record. It
// returns the root version attribute. Decoder failures are malformed-document
// errors; visit returning false stops the walk without error.
func walk(data []byte, visit func(item) bool) (string, error) {
	decoder := newDecoder(data)
	root, err := findRoot(decoder)
	if err != nil {
		return "", err
	}
	version := attr(root, "version")

	var childName string
	switch root.Name.Local {
	case rootActivities:
		childName = "iati-activity"
	case rootOrganisations:
		childName = "iati-organisation"
	default:
		return "", fmt.Errorf("%w: unexpected root element <%s>, expected <%s> or <%s>",
			models.ErrMalformedDocument, root.Name.Local, rootActivities, rootOrganisations)
	}

	seen := make(map[string]int)
	position, rootTx := 0, 0
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return "", fmt.Errorf("%w: unexpected end of document inside <%s>", models.ErrMalformedDocument, root.Name.Local)
		}
		if err != nil {
			return "", malformed(err)
		}

		switch t := tok.(type) {
		case xml.EndElement:
			// The root closed; anything after it is ignored.
			return version, nil
		case xml.StartElement:
			var it item
			switch {
			case t.Name.Local == childName && childName == "iati-activity":
				var el activityElement
				if err := decoder.DecodeElement(&el, &t); err != nil {
					return "", malformed(err)
				}
				position++
				it.activity, it.err = convertActivity(&el, position, seen)
			case t.Name.Local == childName:
				var el organisationElement
				if err := decoder.DecodeElement(&el, &t); err != nil {
					return "", malformed(err)
				}
				it.organization, it.err = convertOrganisation(&el)
			case t.Name.Local == "transaction" && root.Name.Local == rootActivities:
				var el transactionElement
				if err := decoder.DecodeElement(&el, &t); err != nil {
					return "", malformed(err)
				}
				rootTx++
				it.transaction = convertTransaction(&el, fmt.Sprintf("root#%d", rootTx), "", defaults{})
			default:
				if err := decoder.Skip(); err != nil {
					return "", malformed(err)
				}
				continue
			}
			if !visit(it) {
				return version, nil
			}
		}
	}
}

func findRoot(decoder *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return xml.StartElement{}, fmt.Errorf("%w: document has no root element", models.ErrMalformedDocument)
		}
		if err != nil {
			return xml.StartElement{}, malformed(err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", models.ErrMalformedDocument, err)
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// defaults are the activity-level values IATI lets transactions inherit.
type defaults struct {
	currency    string
	flowType    string
	financeType string
	aidType     string
	tiedStatus  string
}

func convertActivity(el *activityElement, position int, seen map[string]int) (*models.ParsedActivity, error) {
	identifier := strings.TrimSpace(el.Identifier)
	if identifier == "" {
		return nil, models.NewEntityError(models.EntityActivity, fmt.Sprintf("activity #%d", position),
			fmt.Errorf("%w: <iati-identifier> is missing or empty", models.ErrEntityParse))
	}

	activity := &models.ParsedActivity{
		Identifier:      identifier,
		Title:           el.Title.String(),
		StatusCode:      code(el.Status),
		DefaultCurrency: strings.ToUpper(strings.TrimSpace(el.DefaultCurrency)),
		Transactions:    []*models.ParsedTransaction{},
		Position:        position,
	}
	for _, d := range el.Descriptions {
		if s := d.String(); s != "" {
			activity.Description = s
			break
		}
	}

	var plannedStart, plannedEnd *time.Time
	for _, d := range el.Dates {
		parsed, err := utils.ParseIATIDate(d.value())
		if err != nil {
			activity.Problems = append(activity.Problems, models.FieldProblem{
				Field: "activity-date", Severity: models.SeverityWarning,
				Message: fmt.Sprintf("activity-date type %q ignored: %v", d.Type, err),
			})
			continue
		}
		switch d.Type {
		case "1", "start-planned":
			plannedStart = &parsed
		case "2", "start-actual":
			activity.StartDate = &parsed
		case "3", "end-planned":
			plannedEnd = &parsed
		case "4", "end-actual":
			activity.EndDate = &parsed
		}
	}
	if activity.StartDate == nil {
		activity.StartDate = plannedStart
	}
	if activity.EndDate == nil {
		activity.EndDate = plannedEnd
	}

	for _, c := range el.RecipientCountries {
		if cc := strings.ToUpper(strings.TrimSpace(c.Code)); cc != "" {
			activity.RecipientCountries = append(activity.RecipientCountries, cc)
		}
	}

	if ref, ok := convertOrg(el.ReportingOrg, models.RoleReporting); ok {
		activity.ReportingOrg = &ref
	}
	for i := range el.ParticipatingOrgs {
		po := &el.ParticipatingOrgs[i]
		role, known := participantRoles[strings.ToLower(strings.TrimSpace(po.Role))]
		if !known {
			role = models.OrgRole(strings.TrimSpace(po.Role))
		}
		if ref, ok := convertOrg(po, role); ok {
			activity.Participants = append(activity.Participants, ref)
		}
	}

	inherit := defaults{
		currency:    activity.DefaultCurrency,
		flowType:    code(el.DefaultFlowType),
		financeType: code(el.DefaultFinanceType),
		aidType:     firstCode(el.DefaultAidTypes),
		tiedStatus:  code(el.DefaultTiedStatus),
	}
	for i := range el.Transactions {
		seen[identifier]++
		key := fmt.Sprintf("%s#%d", identifier, seen[identifier])
		activity.Transactions = append(activity.Transactions, convertTransaction(&el.Transactions[i], key, identifier, inherit))
	}
	return activity, nil
}

func convertTransaction(el *transactionElement, key, containerID string, inherit defaults) *models.ParsedTransaction {
	tx := &models.ParsedTransaction{
		Key:                     key,
		Ref:                     strings.TrimSpace(el.Ref),
		TypeCode:                code(el.TransactionType),
		Description:             el.Description.String(),
		ActivityRef:             strings.TrimSpace(el.ActivityRef),
		ContainerID:             containerID,
		DisbursementChannelCode: code(el.DisbursementChannel),
		FlowTypeCode:            orDefault(code(el.FlowType), inherit.flowType),
		FinanceTypeCode:         orDefault(code(el.FinanceType), inherit.financeType),
		AidTypeCode:             orDefault(firstCode(el.AidTypes), inherit.aidType),
		TiedStatusCode:          orDefault(code(el.TiedStatus), inherit.tiedStatus),
	}
	if numeric, ok := legacyTransactionTypes[strings.ToUpper(tx.TypeCode)]; ok {
		tx.TypeCode = numeric
	}

	if el.TransactionDate != nil {
		if raw := el.TransactionDate.value(); raw != "" {
			if d, err := utils.ParseIATIDate(raw); err == nil {
				tx.TransactionDate = &d
			} else {
				tx.Problems = append(tx.Problems, models.FieldProblem{
					Field: "transaction-date", Severity: models.SeverityError,
					Message: fmt.Sprintf("transaction-date %q is not a valid date", raw),
				})
			}
		}
	}

	if el.Value != nil {
		tx.Currency = strings.ToUpper(strings.TrimSpace(el.Value.Currency))
		if raw := strings.TrimSpace(el.Value.ValueDate); raw != "" {
			if d, err := utils.ParseIATIDate(raw); err == nil {
				tx.ValueDate = &d
			} else {
				tx.Problems = append(tx.Problems, models.FieldProblem{
					Field: "value-date", Severity: models.SeverityError,
					Message: fmt.Sprintf("value-date %q is not a valid date", raw),
				})
			}
		}
		tx.ValueText = strings.TrimSpace(el.Value.Amount)
		if tx.ValueText != "" {
			if amount, err := parseAmount(tx.ValueText); err == nil {
				tx.Value = decimal.NewNullDecimal(amount)
			} else {
				tx.Problems = append(tx.Problems, models.FieldProblem{
					Field: "value", Severity: models.SeverityError,
					Message: fmt.Sprintf("amount %q is not a number", tx.ValueText),
				})
			}
		}
	}
	if tx.Currency == "" {
		tx.Currency = inherit.currency
	}

	if ref, ok := convertOrg(el.ProviderOrg, models.RoleProvider); ok {
		tx.Provider = &ref
	}
	if ref, ok := convertOrg(el.ReceiverOrg, models.RoleReceiver); ok {
		tx.Receiver = &ref
	}
	return tx
}

func convertOrganisation(el *organisationElement) (*models.ParsedOrganization, error) {
	identifier := strings.TrimSpace(el.OrganisationIdentifier)
	if identifier == "" {
		identifier = strings.TrimSpace(el.LegacyIdentifier)
	}
	org := &models.ParsedOrganization{
		Identifier: identifier,
		Name:       el.Name.String(),
		Source:     "iati-organisation",
	}
	if el.ReportingOrg != nil && strings.TrimSpace(el.ReportingOrg.Ref) == identifier {
		org.TypeCode = strings.TrimSpace(el.ReportingOrg.Type)
		if org.Name == "" {
			org.Name = el.ReportingOrg.String()
		}
	}
	if identifier == "" && org.Name == "" {
		return nil, models.NewEntityError(models.EntityOrganization, "iati-organisation",
			fmt.Errorf("%w: organisation has neither identifier nor name", models.ErrEntityParse))
	}
	org.CountryCode = utils.CountryFromOrgIdentifier(identifier)
	return org, nil
}

func convertOrg(el *orgElement, role models.OrgRole) (models.OrgReference, bool) {
	if el == nil {
		return models.OrgReference{}, false
	}
	ref := models.OrgReference{
		Ref:      strings.TrimSpace(el.Ref),
		Name:     el.String(),
		TypeCode: strings.TrimSpace(el.Type),
		Role:     role,
	}
	return ref, !ref.IsEmpty()
}

// parseAmount accepts xsd:decimal text, tolerating surrounding whitespace
// and a leading plus sign.
func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(s), "+"))
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

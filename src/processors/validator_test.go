package processors

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/aims/backend/src/models"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func validTx(key string) *models.ParsedTransaction {
	return &models.ParsedTransaction{
		Key:       key,
		TypeCode:  "3",
		Value:     decimal.NewNullDecimal(decimal.NewFromInt(100)),
		ValueText: "100",
		Currency:  "EUR",
		ValueDate: date("2024-01-01"),
	}
}

func findIssue(issues []models.Issue, field string) (models.Issue, bool) {
	for _, i := range issues {
		if i.Field == field {
			return i, true
		}
	}
	return models.Issue{}, false
}

func TestValidateTransaction(t *testing.T) {
	v := NewValidator()

	t.Run("valid transaction has no issues", func(t *testing.T) {
		assert.Empty(t, v.ValidateTransaction(validTx("a#1")))
	})

	t.Run("amount without text is an error naming the missing amount", func(t *testing.T) {
		tx := validTx("a#1")
		tx.Value = decimal.NullDecimal{}
		tx.ValueText = ""
		issues := v.ValidateTransaction(tx)
		issue, ok := findIssue(issues, "value")
		require.True(t, ok)
		assert.Equal(t, models.SeverityError, issue.Severity)
		assert.Contains(t, issue.Message, "missing amount")
	})

	t.Run("amount without any date is an error", func(t *testing.T) {
		tx := validTx("a#1")
		tx.ValueDate = nil
		issue, ok := findIssue(v.ValidateTransaction(tx), "value-date")
		require.True(t, ok)
		assert.True(t, issue.Blocking())
	})

	t.Run("transaction date alone is enough", func(t *testing.T) {
		tx := validTx("a#1")
		tx.ValueDate = nil
		tx.TransactionDate = date("2024-02-01")
		assert.Empty(t, v.ValidateTransaction(tx))
	})

	t.Run("unparseable amount reported once", func(t *testing.T) {
		tx := validTx("a#1")
		tx.Value = decimal.NullDecimal{}
		tx.ValueText = "abc"
		tx.Problems = []models.FieldProblem{{Field: "value", Severity: models.SeverityError, Message: "amount \"abc\" is not a number"}}
		issues := v.ValidateTransaction(tx)
		require.Len(t, issues, 1)
		assert.Equal(t, models.SeverityError, issues[0].Severity)
	})

	t.Run("missing and unknown type codes are errors", func(t *testing.T) {
		tx := validTx("a#1")
		tx.TypeCode = ""
		issue, _ := findIssue(v.ValidateTransaction(tx), "transaction-type")
		assert.Equal(t, models.CodeMissingField, issue.Code)

		tx.TypeCode = "99"
		issue, _ = findIssue(v.ValidateTransaction(tx), "transaction-type")
		assert.Equal(t, models.CodeUnknownCode, issue.Code)
		assert.True(t, issue.Blocking())
	})

	t.Run("missing currency defaults to USD with a warning", func(t *testing.T) {
		tx := validTx("a#1")
		tx.Currency = ""
		issue, ok := findIssue(v.ValidateTransaction(tx), "currency")
		require.True(t, ok)
		assert.Equal(t, models.SeverityWarning, issue.Severity)
		assert.Equal(t, "USD", tx.Currency)
	})

	t.Run("unknown classification codes are cleared with warnings", func(t *testing.T) {
		tx := validTx("a#1")
		tx.AidTypeCode = "Z99"
		tx.FlowTypeCode = "10"
		tx.FinanceTypeCode = "999"
		tx.TiedStatusCode = "1"
		tx.DisbursementChannelCode = "9"
		issues := v.ValidateTransaction(tx)
		assert.Len(t, issues, 4)
		for _, i := range issues {
			assert.False(t, i.Blocking())
		}
		assert.Empty(t, tx.AidTypeCode)
		assert.Equal(t, "10", tx.FlowTypeCode)
		assert.Empty(t, tx.FinanceTypeCode)
		assert.Empty(t, tx.TiedStatusCode)
		assert.Empty(t, tx.DisbursementChannelCode)
	})
}

func TestValidateActivity(t *testing.T) {
	v := NewValidator(WithCountryCheck(func(c string) bool { return c == "KE" }))

	a := &models.ParsedActivity{
		Identifier:         "XX-1",
		StatusCode:         "9",
		RecipientCountries: []string{"KE", "ZZ"},
		Participants:       []models.OrgReference{{Name: "Donor", Role: "sponsor"}, {Name: "Ministry", Role: models.RoleImplementing}},
		StartDate:          date("2024-05-01"),
		EndDate:            date("2024-01-01"),
	}
	issues := v.ValidateActivity(a)

	title, ok := findIssue(issues, "title")
	require.True(t, ok)
	assert.True(t, title.Blocking())
	assert.Empty(t, a.StatusCode)
	assert.Equal(t, []string{"KE"}, a.RecipientCountries)
	assert.Equal(t, models.OrgRole(""), a.Participants[0].Role)
	assert.Equal(t, models.RoleImplementing, a.Participants[1].Role)
	_, ok = findIssue(issues, "activity-date")
	assert.True(t, ok)
}

func TestValidateOrganization(t *testing.T) {
	v := NewValidator()
	org := &models.ParsedOrganization{Identifier: "GB-1", TypeCode: "999", CountryCode: "gbr"}
	issues := v.ValidateOrganization(org)
	assert.Len(t, issues, 3)
	for _, i := range issues {
		assert.False(t, i.Blocking(), "organisation issues never block")
	}
	assert.Empty(t, org.TypeCode)
	assert.Empty(t, org.CountryCode)
}

func TestValidateDocumentBlocksOnlyFailingEntities(t *testing.T) {
	bad := validTx("A#2")
	bad.Value = decimal.NullDecimal{}
	doc := &models.Document{
		Activities: []*models.ParsedActivity{
			{Identifier: "A", Title: "Ok", Transactions: []*models.ParsedTransaction{validTx("A#1"), bad}},
			{Identifier: "B"},
		},
	}
	res := NewValidator().ValidateDocument(doc, nil)
	assert.True(t, res.BlockedTransactions["A#2"])
	assert.False(t, res.BlockedTransactions["A#1"])
	assert.True(t, res.BlockedActivities["B"])
	assert.False(t, res.BlockedActivities["A"])
	assert.Len(t, res.Errors(), 2)
	assert.Empty(t, res.Warnings())
}

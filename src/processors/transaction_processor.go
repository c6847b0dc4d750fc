// backend/src/processors/transaction_processor.go
package processors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

// CurrencyConverter converts amounts to USD on a given date.
type CurrencyConverter interface {
	ConvertToUSD(amount decimal.Decimal, currency string, date time.Time) (decimal.Decimal, error)
}

type TransactionProcessor struct {
	converter CurrencyConverter
}

// NewTransactionProcessor builds a processor. A nil converter disables USD enrichment.
func NewTransactionProcessor(converter CurrencyConverter) *TransactionProcessor {
	return &TransactionProcessor{converter: converter}
}

// Enrich fills ValueUSD for every transaction with an amount, a date and a
// currency. A missing rate leaves ValueUSD null and is reported as a warning.
func (p *TransactionProcessor) Enrich(txs []*models.ParsedTransaction) []models.Issue {
	if p.converter == nil {
		return nil
	}
	var issues []models.Issue
	for _, tx := range txs {
		date := tx.Date()
		if !tx.Value.Valid || date == nil || tx.Currency == "" {
			continue
		}
		usd, err := p.converter.ConvertToUSD(tx.Value.Decimal, tx.Currency, *date)
		if err != nil {
			tx.ValueUSD = decimal.NullDecimal{}
			issues = append(issues, models.Issue{
				Entity:    models.EntityTransaction,
				Reference: tx.Key,
				Severity:  models.SeverityWarning,
				Code:      models.CodeMissingRate,
				Field:     "value",
				Message:   fmt.Sprintf("value_usd left empty: %v", err),
			})
			continue
		}
		tx.ValueUSD = decimal.NewNullDecimal(usd)
	}
	return issues
}

// DedupKey is the composite identity of a persisted transaction: activity,
// type, date, value and provider/receiver identities.
func (p *TransactionProcessor) DedupKey(activityID int64, tx *models.ParsedTransaction) string {
	activity := "unlinked"
	if activityID > 0 {
		activity = strconv.FormatInt(activityID, 10)
	}
	value := ""
	if tx.Value.Valid {
		value = tx.Value.Decimal.String()
	}
	return generateHash(activity, tx.TypeCode, utils.FormatDate(tx.Date()), value, orgIdentity(tx.Provider), orgIdentity(tx.Receiver))
}

func orgIdentity(ref *models.OrgReference) string {
	if ref == nil || ref.IsEmpty() {
		return ""
	}
	return ref.Key()
}

// generateHash creates a unique hash over the given fields.
func generateHash(fields ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(hash[:])
}

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

// SaveTransactions inserts each transaction. A dedup key already present in
// the store reports OutcomeDuplicate and leaves the stored row untouched.
func (s *Store) SaveTransactions(ctx context.Context, writes []models.TransactionWrite) ([]models.WriteResult, error) {
	results := make([]models.WriteResult, len(writes))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO transactions (
				activity_id, dedup_key, transaction_ref, type_code, value, currency, value_date, transaction_date,
				description, provider_org_id, receiver_org_id, provider_name, receiver_name,
				aid_type_code, flow_type_code, finance_type_code, tied_status_code, disbursement_channel_code, value_usd
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dedup_key) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction insert: %w", err)
		}
		defer stmt.Close()

		for i, w := range writes {
			t := w.Transaction
			var valueUSD sql.NullString
			if t.ValueUSD.Valid {
				valueUSD = sql.NullString{String: t.ValueUSD.Decimal.StringFixed(2), Valid: true}
			}

			res, err := stmt.ExecContext(ctx,
				nullID(w.ActivityID), w.DedupKey, nullString(t.Ref), t.TypeCode, t.Value.Decimal.String(), t.Currency,
				nullString(utils.FormatDate(t.ValueDate)), nullString(utils.FormatDate(t.TransactionDate)),
				nullString(t.Description), nullID(w.ProviderOrgID), nullID(w.ReceiverOrgID),
				nullString(orgName(t.Provider)), nullString(orgName(t.Receiver)),
				nullString(t.AidTypeCode), nullString(t.FlowTypeCode), nullString(t.FinanceTypeCode),
				nullString(t.TiedStatusCode), nullString(t.DisbursementChannelCode), valueUSD)
			if isForeignKeyViolation(err) {
				results[i] = models.WriteResult{Outcome: models.OutcomeFailed, Err: fmt.Errorf("%w: transaction %s references a missing record", models.ErrDependencyFailed, t.Key)}
				continue
			}
			if err != nil {
				return fmt.Errorf("inserting transaction %s: %w", t.Key, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				results[i] = models.WriteResult{Outcome: models.OutcomeDuplicate}
				continue
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading id of transaction %s: %w", t.Key, err)
			}
			results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeCreated}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func orgName(ref *models.OrgReference) string {
	if ref == nil {
		return ""
	}
	return ref.Name
}

// CountTransactions returns the number of stored transactions for an
// activity. Zero counts unlinked transactions.
func (s *Store) CountTransactions(ctx context.Context, activityID int64) (int, error) {
	var n int
	var err error
	if activityID == 0 {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE activity_id IS NULL`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE activity_id = ?`, activityID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting transactions: %w", err)
	}
	return n, nil
}

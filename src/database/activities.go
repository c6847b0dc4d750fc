package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

func scanActivity(row *sql.Row) (*models.StoredActivity, error) {
	var a models.StoredActivity
	err := row.Scan(&a.ID, &a.Identifier, &a.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) FindActivityByIdentifier(ctx context.Context, identifier string) (*models.StoredActivity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, iati_identifier, title FROM activities WHERE iati_identifier = ?`, identifier)
	a, err := scanActivity(row)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("querying activity %q: %w", identifier, err)
	}
	return a, err
}

func (s *Store) FindActivityByID(ctx context.Context, id int64) (*models.StoredActivity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, iati_identifier, title FROM activities WHERE id = ?`, id)
	a, err := scanActivity(row)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("querying activity %d: %w", id, err)
	}
	return a, err
}

// SaveActivities creates or updates each activity and records its
// participating organisations. Participations accumulate across runs.
func (s *Store) SaveActivities(ctx context.Context, writes []models.ActivityWrite) ([]models.WriteResult, error) {
	results := make([]models.WriteResult, len(writes))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		insertStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activities (iati_identifier, title, description, status_code, default_currency, start_date, end_date, recipient_countries)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare activity insert: %w", err)
		}
		defer insertStmt.Close()

		updateStmt, err := tx.PrepareContext(ctx, `
			UPDATE activities SET
				title = COALESCE(NULLIF(?, ''), title),
				description = COALESCE(NULLIF(?, ''), description),
				status_code = COALESCE(NULLIF(?, ''), status_code),
				default_currency = COALESCE(NULLIF(?, ''), default_currency),
				start_date = COALESCE(NULLIF(?, ''), start_date),
				end_date = COALESCE(NULLIF(?, ''), end_date),
				recipient_countries = COALESCE(NULLIF(?, ''), recipient_countries),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare activity update: %w", err)
		}
		defer updateStmt.Close()

		participantStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activity_participants (activity_id, organization_id, role)
			VALUES (?, ?, ?)
			ON CONFLICT(activity_id, organization_id, role) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare participant insert: %w", err)
		}
		defer participantStmt.Close()

		for i, w := range writes {
			a := w.Activity
			countries := strings.Join(a.RecipientCountries, ",")
			start, end := utils.FormatDate(a.StartDate), utils.FormatDate(a.EndDate)

			id := w.ID
			if id == 0 {
				res, err := insertStmt.ExecContext(ctx, a.Identifier, a.Title, nullString(a.Description), nullString(a.StatusCode),
					nullString(a.DefaultCurrency), nullString(start), nullString(end), nullString(countries))
				if isUniqueViolation(err) {
					results[i] = models.WriteResult{Outcome: models.OutcomeConflict, Err: fmt.Errorf("%w: activity %s", models.ErrPersistenceConflict, a.Identifier)}
					continue
				}
				if err != nil {
					return fmt.Errorf("inserting activity %s: %w", a.Identifier, err)
				}
				if id, err = res.LastInsertId(); err != nil {
					return fmt.Errorf("reading id of activity %s: %w", a.Identifier, err)
				}
				results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeCreated}
			} else {
				res, err := updateStmt.ExecContext(ctx, a.Title, a.Description, a.StatusCode, a.DefaultCurrency, start, end, countries, id)
				if err != nil {
					return fmt.Errorf("updating activity %s: %w", a.Identifier, err)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeFailed, Err: fmt.Errorf("activity %d: %w", id, models.ErrNotFound)}
					continue
				}
				results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeUpdated}
			}

			for _, p := range w.Participants {
				_, err := participantStmt.ExecContext(ctx, id, p.OrganizationID, string(p.Role))
				if isForeignKeyViolation(err) {
					// The activity itself is saved; a dangling organisation id
					// only loses this participation.
					logger.FromContext(ctx).Warn("Participant references unknown organization", "activity", a.Identifier, "organizationID", p.OrganizationID)
					continue
				}
				if err != nil {
					return fmt.Errorf("linking organization %d to activity %s: %w", p.OrganizationID, a.Identifier, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

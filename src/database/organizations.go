package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

const organizationColumns = `id, iati_identifier, name, type_code, country_code`

func scanOrganization(row *sql.Row) (*models.StoredOrganization, error) {
	var org models.StoredOrganization
	var identifier, typeCode, countryCode sql.NullString
	err := row.Scan(&org.ID, &identifier, &org.Name, &typeCode, &countryCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	org.Identifier = identifier.String
	org.TypeCode = typeCode.String
	org.CountryCode = countryCode.String
	return &org, nil
}

func (s *Store) FindOrganizationByIdentifier(ctx context.Context, identifier string) (*models.StoredOrganization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE iati_identifier = ?`, identifier)
	org, err := scanOrganization(row)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("querying organization %q: %w", identifier, err)
	}
	return org, err
}

// FindOrganizationByName compares normalized names. When several records share
// the name, the oldest wins.
func (s *Store) FindOrganizationByName(ctx context.Context, name string) (*models.StoredOrganization, error) {
	normalized := utils.NormalizeName(name)
	if normalized == "" {
		return nil, models.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE name_normalized = ? ORDER BY id LIMIT 1`, normalized)
	org, err := scanOrganization(row)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("querying organization by name %q: %w", name, err)
	}
	return org, err
}

// SaveOrganizations creates or updates each organisation in one database
// transaction. A create that hits a uniqueness constraint reports
// OutcomeConflict and leaves the caller to retry it as an update. Any other
// database error aborts the batch.
func (s *Store) SaveOrganizations(ctx context.Context, writes []models.OrganizationWrite) ([]models.WriteResult, error) {
	results := make([]models.WriteResult, len(writes))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		insertStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO organizations (iati_identifier, name, name_normalized, type_code, country_code)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare organization insert: %w", err)
		}
		defer insertStmt.Close()

		updateStmt, err := tx.PrepareContext(ctx, `
			UPDATE organizations SET
				iati_identifier = COALESCE(iati_identifier, ?),
				name = COALESCE(NULLIF(?, ''), name),
				name_normalized = COALESCE(NULLIF(?, ''), name_normalized),
				type_code = COALESCE(NULLIF(?, ''), type_code),
				country_code = COALESCE(NULLIF(?, ''), country_code),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare organization update: %w", err)
		}
		defer updateStmt.Close()

		for i, w := range writes {
			org := w.Organization
			name := org.Name
			if name == "" {
				name = org.Identifier
			}
			normalized := utils.NormalizeName(name)

			if w.ID == 0 {
				res, err := insertStmt.ExecContext(ctx, nullString(org.Identifier), name, normalized, nullString(org.TypeCode), nullString(org.CountryCode))
				if isUniqueViolation(err) {
					results[i] = models.WriteResult{Outcome: models.OutcomeConflict, Err: fmt.Errorf("%w: organization %s", models.ErrPersistenceConflict, org.Label())}
					continue
				}
				if err != nil {
					return fmt.Errorf("inserting organization %s: %w", org.Label(), err)
				}
				id, err := res.LastInsertId()
				if err != nil {
					return fmt.Errorf("reading id of organization %s: %w", org.Label(), err)
				}
				results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeCreated}
				continue
			}

			res, err := updateStmt.ExecContext(ctx, nullString(org.Identifier), org.Name, utils.NormalizeName(org.Name), org.TypeCode, org.CountryCode, w.ID)
			if isUniqueViolation(err) {
				results[i] = models.WriteResult{ID: w.ID, Outcome: models.OutcomeFailed, Err: fmt.Errorf("%w: organization %s", models.ErrPersistenceConflict, org.Label())}
				continue
			}
			if err != nil {
				return fmt.Errorf("updating organization %d: %w", w.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				results[i] = models.WriteResult{ID: w.ID, Outcome: models.OutcomeFailed, Err: fmt.Errorf("organization %d: %w", w.ID, models.ErrNotFound)}
				continue
			}
			results[i] = models.WriteResult{ID: w.ID, Outcome: models.OutcomeUpdated}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

package database

import (
	"context"
	"fmt"

	"github.com/username/aims/backend/src/models"
)

// SaveImportLog records the summary of a run. Saving the same run twice
// replaces the earlier summary.
func (s *Store) SaveImportLog(ctx context.Context, log models.ImportLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_logs (run_id, file_name, status, organizations_created, activities_created, transactions_created, error_count, warning_count, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			organizations_created = excluded.organizations_created,
			activities_created = excluded.activities_created,
			transactions_created = excluded.transactions_created,
			error_count = excluded.error_count,
			warning_count = excluded.warning_count,
			message = excluded.message`,
		log.RunID, nullString(log.FileName), log.Status, log.OrganizationsCreated, log.ActivitiesCreated,
		log.TransactionsCreated, log.ErrorCount, log.WarningCount, nullString(log.Message))
	if err != nil {
		return fmt.Errorf("saving import log %s: %w", log.RunID, err)
	}
	return nil
}

// ListImportLogs returns the most recent runs first.
func (s *Store) ListImportLogs(ctx context.Context, limit int) ([]models.ImportLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COALESCE(file_name, ''), status, organizations_created, activities_created, transactions_created,
			error_count, warning_count, COALESCE(message, ''), CAST(created_at AS TEXT)
		FROM import_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying import logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ImportLog{}
	for rows.Next() {
		var l models.ImportLog
		if err := rows.Scan(&l.RunID, &l.FileName, &l.Status, &l.OrganizationsCreated, &l.ActivitiesCreated,
			&l.TransactionsCreated, &l.ErrorCount, &l.WarningCount, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning import log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

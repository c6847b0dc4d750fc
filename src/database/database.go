package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/username/aims/backend/src/logger"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	iati_identifier TEXT UNIQUE,
	name TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	type_code TEXT,
	country_code TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_organizations_name ON organizations(name_normalized);
CREATE UNIQUE INDEX IF NOT EXISTS idx_organizations_unidentified_name
	ON organizations(name_normalized) WHERE iati_identifier IS NULL;

CREATE TABLE IF NOT EXISTS activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	iati_identifier TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	description TEXT,
	status_code TEXT,
	default_currency TEXT,
	start_date TEXT,
	end_date TEXT,
	recipient_countries TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS activity_participants (
	activity_id INTEGER NOT NULL,
	organization_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (activity_id, organization_id, role),
	FOREIGN KEY(activity_id) REFERENCES activities(id),
	FOREIGN KEY(organization_id) REFERENCES organizations(id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	activity_id INTEGER,
	dedup_key TEXT NOT NULL UNIQUE,
	transaction_ref TEXT,
	type_code TEXT NOT NULL,
	value TEXT NOT NULL,
	currency TEXT NOT NULL,
	value_date TEXT,
	transaction_date TEXT,
	description TEXT,
	provider_org_id INTEGER,
	receiver_org_id INTEGER,
	provider_name TEXT,
	receiver_name TEXT,
	aid_type_code TEXT,
	flow_type_code TEXT,
	finance_type_code TEXT,
	tied_status_code TEXT,
	disbursement_channel_code TEXT,
	value_usd TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY(activity_id) REFERENCES activities(id),
	FOREIGN KEY(provider_org_id) REFERENCES organizations(id),
	FOREIGN KEY(receiver_org_id) REFERENCES organizations(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_activity ON transactions(activity_id);

CREATE TABLE IF NOT EXISTS import_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL UNIQUE,
	file_name TEXT,
	status TEXT NOT NULL,
	organizations_created INTEGER DEFAULT 0,
	activities_created INTEGER DEFAULT 0,
	transactions_created INTEGER DEFAULT 0,
	error_count INTEGER DEFAULT 0,
	warning_count INTEGER DEFAULT 0,
	message TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Columns added after the first release. Databases created before them are
// brought up to date on open.
var lateColumns = map[string][]column{
	"transactions": {
		{name: "value_usd", ddl: "ALTER TABLE transactions ADD COLUMN value_usd TEXT"},
		{name: "disbursement_channel_code", ddl: "ALTER TABLE transactions ADD COLUMN disbursement_channel_code TEXT"},
	},
	"activities": {
		{name: "recipient_countries", ddl: "ALTER TABLE activities ADD COLUMN recipient_countries TEXT"},
	},
}

type column struct {
	name string
	ddl  string
}

// Store is the SQLite implementation of the lookup and persistence
// collaborators.
type Store struct {
	db *sql.DB
}

// InitDB opens (creating if needed) the database at databasePath and ensures
// the schema.
func InitDB(databasePath string) (*Store, error) {
	dsn := databasePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", databasePath, err)
	}
	// One writer at a time; SQLite serialises writes anyway and this keeps
	// batch transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	logger.L.Info("Checking database migrations", "databasePath", databasePath)
	if err := migrateColumns(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	logger.L.Info("Database tables ensured/created.")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrateColumns(db *sql.DB) error {
	for table, columns := range lateColumns {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			continue // created below with every column
		}
		if err != nil {
			return fmt.Errorf("checking for table %s: %w", table, err)
		}

		existing, err := tableColumns(db, table)
		if err != nil {
			return err
		}
		for _, c := range columns {
			if existing[c.name] {
				continue
			}
			if _, err := db.Exec(c.ddl); err != nil {
				return fmt.Errorf("adding column %s.%s: %w", table, c.name, err)
			}
			logger.L.Info("Added column", "table", table, "column", c.name)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, fmt.Errorf("querying table schema for %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid, notnull, pk int
		var name, dataType string
		var dflt any
		if err := rows.Scan(&cid, &name, &dataType, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info for %s: %w", table, err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func constraintCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	switch constraintCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(err.Error(), "UNIQUE")
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	switch constraintCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(err.Error(), "FOREIGN KEY")
	}
	return false
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// withTx runs fn inside a transaction. fn's error rolls everything back.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.FromContext(ctx).Error("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

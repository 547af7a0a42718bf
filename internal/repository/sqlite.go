package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Fixed-width so stored UTC timestamps compare correctly as text;
// RFC3339Nano would trim trailing zeros and break lexicographic order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS master_data_versions (
	entity_type    TEXT NOT NULL,
	version_id     TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	effective_from TEXT NOT NULL,
	effective_to   TEXT,
	payload        TEXT NOT NULL DEFAULT '{}',
	created_by     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	modified_by    TEXT NOT NULL DEFAULT '',
	modified_at    TEXT NOT NULL,
	change_reason  TEXT NOT NULL DEFAULT '',
	is_active      INTEGER NOT NULL DEFAULT 1,
	CHECK (effective_to IS NULL OR effective_from < effective_to)
);

CREATE UNIQUE INDEX IF NOT EXISTS master_data_versions_open_idx
	ON master_data_versions (entity_type, entity_id)
	WHERE effective_to IS NULL;

CREATE INDEX IF NOT EXISTS master_data_versions_entity_idx
	ON master_data_versions (entity_type, entity_id, effective_from DESC);

CREATE TABLE IF NOT EXISTS master_data_audit (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type   TEXT NOT NULL,
	id            TEXT NOT NULL,
	version_id    TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	recorded_at   TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	change_reason TEXT NOT NULL DEFAULT '',
	before_state  TEXT,
	after_state   TEXT
);

CREATE INDEX IF NOT EXISTS master_data_audit_entity_idx
	ON master_data_audit (entity_type, entity_id, seq DESC);
`

// SQLiteDB wraps the embedded database handle shared by type-bound store
// handles.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) an embedded SQLite database
// at path for single-node deployments.
func OpenSQLite(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the underlying SQLite database.
func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store returns a Store handle bound to entityType.
func (s *SQLiteDB) Store(entityType string) Store {
	return &sqliteStore{db: s.db, entityType: entityType}
}

// sqliteStore implements Store over database/sql with the same shared-table
// layout and conflict semantics as the Postgres store.
type sqliteStore struct {
	db         *sql.DB
	entityType string
}

func (s *sqliteStore) EntityType() string {
	return s.entityType
}

func (s *sqliteStore) InsertVersion(ctx context.Context, record domain.VersionRecord, closePrev *CloseRequest, audits []domain.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storagef("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if closePrev != nil {
		if err := s.closeOpenVersionTx(ctx, tx, *closePrev); err != nil {
			return err
		}
	}

	payloadJSON, err := record.GetPayloadAsJSONB()
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO master_data_versions
		 (entity_type, version_id, entity_id, effective_from, effective_to, payload,
		  created_by, created_at, modified_by, modified_at, change_reason, is_active)
		 VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, 1)`,
		s.entityType,
		record.VersionID.String(),
		record.EntityID.String(),
		record.EffectiveFrom.UTC().Format(sqliteTimeFormat),
		string(payloadJSON),
		record.CreatedBy,
		record.CreatedAt.UTC().Format(sqliteTimeFormat),
		record.ModifiedBy,
		record.ModifiedAt.UTC().Format(sqliteTimeFormat),
		record.ChangeReason,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return domain.Conflictf("entity %s already has an open version", record.EntityID)
		}
		return domain.Storagef("failed to insert version: %v", err)
	}

	if err := s.insertAuditTx(ctx, tx, audits); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.Storagef("failed to commit version insert: %v", err)
	}
	return nil
}

func (s *sqliteStore) CloseVersion(ctx context.Context, req CloseRequest, audit domain.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storagef("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if err := s.closeOpenVersionTx(ctx, tx, req); err != nil {
		return err
	}
	if err := s.insertAuditTx(ctx, tx, []domain.AuditEntry{audit}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.Storagef("failed to commit version close: %v", err)
	}
	return nil
}

func (s *sqliteStore) closeOpenVersionTx(ctx context.Context, tx *sql.Tx, req CloseRequest) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE master_data_versions
		 SET effective_to = ?, is_active = 0, modified_by = ?, modified_at = ?
		 WHERE entity_type = ? AND version_id = ? AND effective_to IS NULL`,
		req.EffectiveTo.UTC().Format(sqliteTimeFormat),
		req.ModifiedBy,
		req.ModifiedAt.UTC().Format(sqliteTimeFormat),
		s.entityType,
		req.VersionID.String(),
	)
	if err != nil {
		return domain.Storagef("failed to close version: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Storagef("failed to read close result: %v", err)
	}
	if affected == 0 {
		return domain.Conflictf("version %s is no longer open", req.VersionID)
	}
	return nil
}

func (s *sqliteStore) insertAuditTx(ctx context.Context, tx *sql.Tx, audits []domain.AuditEntry) error {
	for _, entry := range audits {
		var before, after any
		if len(entry.BeforeState) > 0 {
			before = string(entry.BeforeState)
		}
		if len(entry.AfterState) > 0 {
			after = string(entry.AfterState)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO master_data_audit
			 (entity_type, id, version_id, entity_id, action, recorded_at, user_id, change_reason, before_state, after_state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.entityType,
			entry.ID.String(),
			entry.VersionID.String(),
			entry.EntityID.String(),
			string(entry.Action),
			entry.Timestamp.UTC().Format(sqliteTimeFormat),
			entry.UserID,
			entry.ChangeReason,
			before,
			after,
		)
		if err != nil {
			return domain.Storagef("failed to append audit entry: %v", err)
		}
	}
	return nil
}

const sqliteVersionColumns = `version_id, entity_id, effective_from, effective_to, payload,
	created_by, created_at, modified_by, modified_at, change_reason, is_active`

func (s *sqliteStore) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = ? AND version_id = ?`,
		s.entityType, versionID.String(),
	)
	record, err := scanSQLiteVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VersionRecord{}, domain.NotFoundf("version %s", versionID)
		}
		return domain.VersionRecord{}, domain.Storagef("failed to get version: %v", err)
	}
	return record, nil
}

func (s *sqliteStore) OpenVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = ? AND entity_id = ? AND effective_to IS NULL`,
		s.entityType, entityID.String(),
	)
	return scanOptionalSQLiteVersion(row, "open version")
}

func (s *sqliteStore) LatestVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY effective_from DESC
		 LIMIT 1`,
		s.entityType, entityID.String(),
	)
	return scanOptionalSQLiteVersion(row, "latest version")
}

func (s *sqliteStore) VersionAt(ctx context.Context, entityID uuid.UUID, instant time.Time) (*domain.VersionRecord, error) {
	at := instant.UTC().Format(sqliteTimeFormat)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = ? AND entity_id = ?
		   AND effective_from <= ?
		   AND (effective_to IS NULL OR effective_to > ?)`,
		s.entityType, entityID.String(), at, at,
	)
	return scanOptionalSQLiteVersion(row, "version at instant")
}

func (s *sqliteStore) ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY effective_from DESC`,
		s.entityType, entityID.String(),
	)
	if err != nil {
		return nil, domain.Storagef("failed to list versions: %v", err)
	}
	defer rows.Close()

	records, err := collectSQLiteVersions(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.NotFoundf("entity %s", entityID)
	}
	return records, nil
}

func (s *sqliteStore) ListActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error) {
	at := instant.UTC().Format(sqliteTimeFormat)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = ?
		   AND effective_from <= ?
		   AND (effective_to IS NULL OR effective_to > ?)
		 ORDER BY entity_id`,
		s.entityType, at, at,
	)
	if err != nil {
		return nil, domain.Storagef("failed to list active versions: %v", err)
	}
	defer rows.Close()

	return collectSQLiteVersions(rows)
}

func (s *sqliteStore) ListAuditByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version_id, entity_id, action, recorded_at, user_id, change_reason, before_state, after_state
		 FROM master_data_audit
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY seq DESC`,
		s.entityType, entityID.String(),
	)
	if err != nil {
		return nil, domain.Storagef("failed to list audit entries: %v", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			entry      domain.AuditEntry
			id         string
			versionID  string
			entityIDs  string
			action     string
			recordedAt string
			before     sql.NullString
			after      sql.NullString
		)
		if scanErr := rows.Scan(&id, &versionID, &entityIDs, &action, &recordedAt, &entry.UserID, &entry.ChangeReason, &before, &after); scanErr != nil {
			return nil, domain.Storagef("failed to scan audit entry: %v", scanErr)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, domain.Storagef("invalid audit id %q: %v", id, err)
		}
		if entry.VersionID, err = uuid.Parse(versionID); err != nil {
			return nil, domain.Storagef("invalid version id %q: %v", versionID, err)
		}
		if entry.EntityID, err = uuid.Parse(entityIDs); err != nil {
			return nil, domain.Storagef("invalid entity id %q: %v", entityIDs, err)
		}
		if entry.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, domain.Storagef("invalid audit timestamp %q: %v", recordedAt, err)
		}
		entry.Action = domain.AuditAction(action)
		if before.Valid {
			entry.BeforeState = []byte(before.String)
		}
		if after.Valid {
			entry.AfterState = []byte(after.String)
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, domain.Storagef("failed to iterate audit entries: %v", rowsErr)
	}
	if len(entries) == 0 {
		return nil, domain.NotFoundf("entity %s", entityID)
	}
	return entries, nil
}

type sqliteRowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteVersion(row sqliteRowScanner) (domain.VersionRecord, error) {
	var (
		record        domain.VersionRecord
		versionID     string
		entityID      string
		effectiveFrom string
		effectiveTo   sql.NullString
		payloadJSON   string
		createdAt     string
		modifiedAt    string
		isActive      int64
	)
	if err := row.Scan(
		&versionID,
		&entityID,
		&effectiveFrom,
		&effectiveTo,
		&payloadJSON,
		&record.CreatedBy,
		&createdAt,
		&record.ModifiedBy,
		&modifiedAt,
		&record.ChangeReason,
		&isActive,
	); err != nil {
		return domain.VersionRecord{}, err
	}

	var err error
	if record.VersionID, err = uuid.Parse(versionID); err != nil {
		return domain.VersionRecord{}, fmt.Errorf("invalid version id %q: %w", versionID, err)
	}
	if record.EntityID, err = uuid.Parse(entityID); err != nil {
		return domain.VersionRecord{}, fmt.Errorf("invalid entity id %q: %w", entityID, err)
	}
	if record.EffectiveFrom, err = time.Parse(time.RFC3339Nano, effectiveFrom); err != nil {
		return domain.VersionRecord{}, fmt.Errorf("invalid effective_from %q: %w", effectiveFrom, err)
	}
	if effectiveTo.Valid {
		to, parseErr := time.Parse(time.RFC3339Nano, effectiveTo.String)
		if parseErr != nil {
			return domain.VersionRecord{}, fmt.Errorf("invalid effective_to %q: %w", effectiveTo.String, parseErr)
		}
		record.EffectiveTo = &to
	}
	if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.VersionRecord{}, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if record.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return domain.VersionRecord{}, fmt.Errorf("invalid modified_at %q: %w", modifiedAt, err)
	}
	record.IsActive = isActive != 0

	payload, err := domain.FromJSONBPayload([]byte(payloadJSON))
	if err != nil {
		return domain.VersionRecord{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	record.Payload = payload
	return record, nil
}

func scanOptionalSQLiteVersion(row sqliteRowScanner, what string) (*domain.VersionRecord, error) {
	record, err := scanSQLiteVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.Storagef("failed to get %s: %v", what, err)
	}
	return &record, nil
}

func collectSQLiteVersions(rows *sql.Rows) ([]domain.VersionRecord, error) {
	records := []domain.VersionRecord{}
	for rows.Next() {
		record, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, domain.Storagef("failed to scan version: %v", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef("failed to iterate versions: %v", err)
	}
	return records, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT
}

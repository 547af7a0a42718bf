package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const versionColumns = `version_id, entity_id, effective_from, effective_to, payload,
	created_by, created_at, modified_by, modified_at, change_reason, is_active`

// postgresStore implements Store on a shared master_data_versions /
// master_data_audit table pair, filtered to one entity type. A partial
// unique index on (entity_type, entity_id) WHERE effective_to IS NULL backs
// the single-open-version invariant; stale writers surface as
// domain.ErrConflict via conditional updates and unique violations.
type postgresStore struct {
	pool       *pgxpool.Pool
	entityType string
}

// NewPostgresStore wires a Store backed by pgxpool, bound to entityType.
func NewPostgresStore(pool *pgxpool.Pool, entityType string) Store {
	return &postgresStore{pool: pool, entityType: entityType}
}

func (s *postgresStore) EntityType() string {
	return s.entityType
}

func (s *postgresStore) InsertVersion(ctx context.Context, record domain.VersionRecord, closePrev *CloseRequest, audits []domain.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Storagef("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	if closePrev != nil {
		if err := s.closeOpenVersion(ctx, tx, *closePrev); err != nil {
			return err
		}
	}

	payloadJSON, err := record.GetPayloadAsJSONB()
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO master_data_versions
		 (entity_type, version_id, entity_id, effective_from, effective_to, payload,
		  created_by, created_at, modified_by, modified_at, change_reason, is_active)
		 VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, $9, $10, TRUE)`,
		s.entityType,
		record.VersionID,
		record.EntityID,
		record.EffectiveFrom,
		payloadJSON,
		record.CreatedBy,
		record.CreatedAt,
		record.ModifiedBy,
		record.ModifiedAt,
		record.ChangeReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflictf("entity %s already has an open version", record.EntityID)
		}
		return domain.Storagef("failed to insert version: %v", err)
	}

	if err := insertAuditTx(ctx, tx, s.entityType, audits); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Storagef("failed to commit version insert: %v", err)
	}
	return nil
}

func (s *postgresStore) CloseVersion(ctx context.Context, req CloseRequest, audit domain.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Storagef("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := s.closeOpenVersion(ctx, tx, req); err != nil {
		return err
	}
	if err := insertAuditTx(ctx, tx, s.entityType, []domain.AuditEntry{audit}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Storagef("failed to commit version close: %v", err)
	}
	return nil
}

// closeOpenVersion performs the single effective_to write a version record
// ever receives. The WHERE clause makes it a conflict check: zero rows
// means another writer got there first.
func (s *postgresStore) closeOpenVersion(ctx context.Context, tx pgx.Tx, req CloseRequest) error {
	tag, err := tx.Exec(ctx,
		`UPDATE master_data_versions
		 SET effective_to = $1, is_active = FALSE, modified_by = $2, modified_at = $3
		 WHERE entity_type = $4 AND version_id = $5 AND effective_to IS NULL`,
		req.EffectiveTo,
		req.ModifiedBy,
		req.ModifiedAt,
		s.entityType,
		req.VersionID,
	)
	if err != nil {
		return domain.Storagef("failed to close version: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflictf("version %s is no longer open", req.VersionID)
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, entityType string, audits []domain.AuditEntry) error {
	for _, entry := range audits {
		_, err := tx.Exec(ctx,
			`INSERT INTO master_data_audit
			 (entity_type, id, version_id, entity_id, action, recorded_at, user_id, change_reason, before_state, after_state)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entityType,
			entry.ID,
			entry.VersionID,
			entry.EntityID,
			string(entry.Action),
			entry.Timestamp,
			entry.UserID,
			entry.ChangeReason,
			nullableJSON(entry.BeforeState),
			nullableJSON(entry.AfterState),
		)
		if err != nil {
			return domain.Storagef("failed to append audit entry: %v", err)
		}
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (s *postgresStore) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.VersionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = $1 AND version_id = $2`,
		s.entityType, versionID,
	)
	record, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VersionRecord{}, domain.NotFoundf("version %s", versionID)
		}
		return domain.VersionRecord{}, domain.Storagef("failed to get version: %v", err)
	}
	return record, nil
}

func (s *postgresStore) OpenVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = $1 AND entity_id = $2 AND effective_to IS NULL`,
		s.entityType, entityID,
	)
	return s.scanOptionalVersion(row, "open version")
}

func (s *postgresStore) LatestVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY effective_from DESC
		 LIMIT 1`,
		s.entityType, entityID,
	)
	return s.scanOptionalVersion(row, "latest version")
}

func (s *postgresStore) VersionAt(ctx context.Context, entityID uuid.UUID, instant time.Time) (*domain.VersionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = $1 AND entity_id = $2
		   AND effective_from <= $3
		   AND (effective_to IS NULL OR effective_to > $3)`,
		s.entityType, entityID, instant,
	)
	return s.scanOptionalVersion(row, "version at instant")
}

func (s *postgresStore) scanOptionalVersion(row pgx.Row, what string) (*domain.VersionRecord, error) {
	record, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.Storagef("failed to get %s: %v", what, err)
	}
	return &record, nil
}

func (s *postgresStore) ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.VersionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY effective_from DESC`,
		s.entityType, entityID,
	)
	if err != nil {
		return nil, domain.Storagef("failed to list versions: %v", err)
	}
	defer rows.Close()

	records := []domain.VersionRecord{}
	for rows.Next() {
		record, scanErr := scanVersion(rows)
		if scanErr != nil {
			return nil, domain.Storagef("failed to scan version: %v", scanErr)
		}
		records = append(records, record)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, domain.Storagef("failed to iterate versions: %v", rowsErr)
	}
	if len(records) == 0 {
		return nil, domain.NotFoundf("entity %s", entityID)
	}
	return records, nil
}

func (s *postgresStore) ListActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+`
		 FROM master_data_versions
		 WHERE entity_type = $1
		   AND effective_from <= $2
		   AND (effective_to IS NULL OR effective_to > $2)
		 ORDER BY entity_id`,
		s.entityType, instant,
	)
	if err != nil {
		return nil, domain.Storagef("failed to list active versions: %v", err)
	}
	defer rows.Close()

	records := []domain.VersionRecord{}
	for rows.Next() {
		record, scanErr := scanVersion(rows)
		if scanErr != nil {
			return nil, domain.Storagef("failed to scan version: %v", scanErr)
		}
		records = append(records, record)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, domain.Storagef("failed to iterate active versions: %v", rowsErr)
	}
	return records, nil
}

func (s *postgresStore) ListAuditByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, version_id, entity_id, action, recorded_at, user_id, change_reason, before_state, after_state
		 FROM master_data_audit
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq DESC`,
		s.entityType, entityID,
	)
	if err != nil {
		return nil, domain.Storagef("failed to list audit entries: %v", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			entry  domain.AuditEntry
			action string
			before []byte
			after  []byte
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.VersionID,
			&entry.EntityID,
			&action,
			&entry.Timestamp,
			&entry.UserID,
			&entry.ChangeReason,
			&before,
			&after,
		); scanErr != nil {
			return nil, domain.Storagef("failed to scan audit entry: %v", scanErr)
		}
		entry.Action = domain.AuditAction(action)
		entry.BeforeState = before
		entry.AfterState = after
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

func scanVersion(row pgx.Row) (domain.VersionRecord, error) {
	var (
		record      domain.VersionRecord
		effectiveTo pgtype.Timestamptz
		payloadJSON []byte
	)
	if err := row.Scan(
		&record.VersionID,
		&record.EntityID,
		&record.EffectiveFrom,
		&effectiveTo,
		&payloadJSON,
		&record.CreatedBy,
		&record.CreatedAt,
		&record.ModifiedBy,
		&record.ModifiedAt,
		&record.ChangeReason,
		&record.IsActive,
	); err != nil {
		return domain.VersionRecord{}, err
	}

	if effectiveTo.Valid {
		to := effectiveTo.Time
		record.EffectiveTo = &to
	}

	payload, err := domain.FromJSONBPayload(payloadJSON)
	if err != nil {
		return domain.VersionRecord{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	record.Payload = payload
	return record, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

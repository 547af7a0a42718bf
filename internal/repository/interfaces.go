package repository

import (
	"context"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"

	"github.com/google/uuid"
)

// CloseRequest identifies the open version a writer believes it is closing.
// Implementations apply it conditionally: if that version is no longer open
// the write fails with domain.ErrConflict and nothing is persisted.
type CloseRequest struct {
	VersionID   uuid.UUID
	EffectiveTo time.Time
	ModifiedBy  string
	ModifiedAt  time.Time
}

// Store is the backing store behind the versioning engine: a version store
// and an audit log that commit together. The engine holds no mutable state
// of its own; every implementation must make each write method atomic — a
// crash never leaves a version row without its audit entries or vice versa.
//
// A Store handle is bound to exactly one entity type. Handles for different
// types never observe each other's records.
type Store interface {
	// EntityType returns the entity type this handle is bound to.
	EntityType() string

	// InsertVersion persists a new open version together with its audit
	// entries, optionally closing the previously open version in the same
	// commit. Returns domain.ErrConflict if closePrev is stale or another
	// open version exists for the entity.
	InsertVersion(ctx context.Context, record domain.VersionRecord, closePrev *CloseRequest, audits []domain.AuditEntry) error

	// CloseVersion closes an open version with no replacement, committing
	// the audit entry atomically. Returns domain.ErrConflict if the
	// version is no longer open.
	CloseVersion(ctx context.Context, req CloseRequest, audit domain.AuditEntry) error

	// GetVersion returns the version with the given id, or
	// domain.ErrNotFound.
	GetVersion(ctx context.Context, versionID uuid.UUID) (domain.VersionRecord, error)

	// OpenVersion returns the entity's open version, or nil if none.
	OpenVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error)

	// LatestVersion returns the entity's most recent version by
	// effective_from, open or closed, or nil if the entity has none.
	LatestVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error)

	// VersionAt returns the version whose interval contains instant, or
	// nil if the instant precedes the first version or falls in a gap.
	VersionAt(ctx context.Context, entityID uuid.UUID, instant time.Time) (*domain.VersionRecord, error)

	// ListVersions returns every version of the entity, newest first.
	// Returns domain.ErrNotFound if the entity has no versions at all.
	ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.VersionRecord, error)

	// ListActiveAt returns one version per entity active at instant.
	ListActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error)

	// ListAuditByEntity returns the entity's audit trail, newest first.
	// Returns domain.ErrNotFound if the entity has no entries at all.
	ListAuditByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.AuditEntry, error)
}

// Package query is the point-in-time layer over the versioning engine.
// Single-entity lookups pass straight through; "reconstruct the whole table
// as of T" is a full interval-containment scan, so those snapshots sit
// behind a bounded expirable cache invalidated on every committed mutation.
package query

import (
	"context"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/engine"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 128
	DefaultCacheTTL  = 30 * time.Second
)

// PointInTime answers current-state and as-of queries for one entity type.
// It holds no state beyond the snapshot cache.
type PointInTime struct {
	engine *engine.Engine
	cache  *expirable.LRU[int64, []domain.VersionRecord]
}

// New creates a point-in-time layer over eng. Non-positive size or ttl fall
// back to the defaults.
func New(eng *engine.Engine, size int, ttl time.Duration) *PointInTime {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &PointInTime{
		engine: eng,
		cache:  expirable.NewLRU[int64, []domain.VersionRecord](size, nil, ttl),
	}
}

// InvalidationHook returns the engine hook that drops cached snapshots
// whenever a mutation commits.
func (q *PointInTime) InvalidationHook() engine.Hook {
	return func(ctx context.Context, entry domain.AuditEntry) {
		q.cache.Purge()
	}
}

// Current returns the entity's open version, or nil if none.
func (q *PointInTime) Current(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	return q.engine.CurrentVersion(ctx, entityID)
}

// At returns the entity's version effective at instant, or nil.
func (q *PointInTime) At(ctx context.Context, entityID uuid.UUID, instant time.Time) (*domain.VersionRecord, error) {
	return q.engine.VersionAt(ctx, entityID, instant)
}

// ActiveAt returns one version per entity active at instant, serving
// repeated scans of the same instant from the cache.
func (q *PointInTime) ActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error) {
	key := instant.UTC().UnixNano()
	if cached, ok := q.cache.Get(key); ok {
		return cloneRecords(cached), nil
	}

	records, err := q.engine.AllActiveAt(ctx, instant)
	if err != nil {
		return nil, err
	}
	q.cache.Add(key, cloneRecords(records))
	return records, nil
}

// History returns the entity's versions, newest first.
func (q *PointInTime) History(ctx context.Context, entityID uuid.UUID) ([]domain.VersionRecord, error) {
	return q.engine.History(ctx, entityID)
}

func cloneRecords(records []domain.VersionRecord) []domain.VersionRecord {
	out := make([]domain.VersionRecord, len(records))
	for i, record := range records {
		out[i] = record.Clone()
	}
	return out
}

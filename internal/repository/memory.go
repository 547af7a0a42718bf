package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"

	"github.com/google/uuid"
)

// memoryStore keeps versions and audit entries in process memory. It backs
// tests and single-process deployments; writers serialize on one mutex,
// readers share an RLock and always receive cloned records.
type memoryStore struct {
	entityType string

	mu       sync.RWMutex
	versions map[uuid.UUID]domain.VersionRecord
	byEntity map[uuid.UUID][]uuid.UUID
	audits   map[uuid.UUID][]domain.AuditEntry
}

// NewMemoryStore creates an empty in-memory store bound to entityType.
func NewMemoryStore(entityType string) Store {
	return &memoryStore{
		entityType: entityType,
		versions:   make(map[uuid.UUID]domain.VersionRecord),
		byEntity:   make(map[uuid.UUID][]uuid.UUID),
		audits:     make(map[uuid.UUID][]domain.AuditEntry),
	}
}

func (s *memoryStore) EntityType() string {
	return s.entityType
}

func (s *memoryStore) InsertVersion(ctx context.Context, record domain.VersionRecord, closePrev *CloseRequest, audits []domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if closePrev != nil {
		prev, ok := s.versions[closePrev.VersionID]
		if !ok || prev.EffectiveTo != nil {
			return domain.Conflictf("version %s is no longer open", closePrev.VersionID)
		}
		if err := s.checkNoSecondOpen(record.EntityID, closePrev.VersionID); err != nil {
			return err
		}
		s.versions[closePrev.VersionID] = prev.Closed(closePrev.EffectiveTo, closePrev.ModifiedBy, closePrev.ModifiedAt)
	} else if err := s.checkNoSecondOpen(record.EntityID, uuid.Nil); err != nil {
		return err
	}

	s.versions[record.VersionID] = record.Clone()
	s.byEntity[record.EntityID] = append(s.byEntity[record.EntityID], record.VersionID)
	for _, entry := range audits {
		s.audits[entry.EntityID] = append(s.audits[entry.EntityID], entry)
	}
	return nil
}

func (s *memoryStore) CloseVersion(ctx context.Context, req CloseRequest, audit domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.versions[req.VersionID]
	if !ok || prev.EffectiveTo != nil {
		return domain.Conflictf("version %s is no longer open", req.VersionID)
	}

	s.versions[req.VersionID] = prev.Closed(req.EffectiveTo, req.ModifiedBy, req.ModifiedAt)
	s.audits[audit.EntityID] = append(s.audits[audit.EntityID], audit)
	return nil
}

// checkNoSecondOpen mirrors the durable stores' partial unique index: at
// most one open version per entity, ignoring the one being closed.
func (s *memoryStore) checkNoSecondOpen(entityID, closing uuid.UUID) error {
	for _, versionID := range s.byEntity[entityID] {
		if versionID == closing {
			continue
		}
		if v := s.versions[versionID]; v.EffectiveTo == nil {
			return domain.Conflictf("entity %s already has an open version", entityID)
		}
	}
	return nil
}

func (s *memoryStore) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.versions[versionID]
	if !ok {
		return domain.VersionRecord{}, domain.NotFoundf("version %s", versionID)
	}
	return record.Clone(), nil
}

func (s *memoryStore) OpenVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, versionID := range s.byEntity[entityID] {
		if record := s.versions[versionID]; record.EffectiveTo == nil {
			clone := record.Clone()
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) LatestVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.VersionRecord
	for _, versionID := range s.byEntity[entityID] {
		record := s.versions[versionID]
		if latest == nil || record.EffectiveFrom.After(latest.EffectiveFrom) {
			clone := record.Clone()
			latest = &clone
		}
	}
	return latest, nil
}

func (s *memoryStore) VersionAt(ctx context.Context, entityID uuid.UUID, instant time.Time) (*domain.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, versionID := range s.byEntity[entityID] {
		record := s.versions[versionID]
		if record.ContainsInstant(instant) {
			clone := record.Clone()
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versionIDs, ok := s.byEntity[entityID]
	if !ok || len(versionIDs) == 0 {
		return nil, domain.NotFoundf("entity %s", entityID)
	}

	records := make([]domain.VersionRecord, 0, len(versionIDs))
	for _, versionID := range versionIDs {
		records = append(records, s.versions[versionID].Clone())
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EffectiveFrom.After(records[j].EffectiveFrom)
	})
	return records, nil
}

func (s *memoryStore) ListActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entityIDs := make([]uuid.UUID, 0, len(s.byEntity))
	for entityID := range s.byEntity {
		entityIDs = append(entityIDs, entityID)
	}
	sort.Slice(entityIDs, func(i, j int) bool {
		return entityIDs[i].String() < entityIDs[j].String()
	})

	records := make([]domain.VersionRecord, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		for _, versionID := range s.byEntity[entityID] {
			record := s.versions[versionID]
			if record.ContainsInstant(instant) {
				records = append(records, record.Clone())
				break
			}
		}
	}
	return records, nil
}

func (s *memoryStore) ListAuditByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.audits[entityID]
	if !ok || len(entries) == 0 {
		return nil, domain.NotFoundf("entity %s", entityID)
	}

	out := make([]domain.AuditEntry, len(entries))
	for i, entry := range entries {
		out[len(entries)-1-i] = entry
	}
	return out, nil
}

// Package engine implements the temporal versioning engine: every mutation
// of a master-data entity produces a new timestamped version, the previous
// version is closed at the instant the new one becomes effective, and each
// mutation appends to a permanent audit trail in the same commit.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/repository"

	"github.com/google/uuid"
)

// Hook observes committed mutations. Hooks run after the store commit and
// must not influence its outcome; cache invalidation and change
// notification plug in here.
type Hook func(ctx context.Context, entry domain.AuditEntry)

// Engine owns the temporal invariants for one entity type. It keeps no
// mutable state between calls; the backing store is the single source of
// truth.
type Engine struct {
	store repository.Store
	now   func() time.Time
	hooks []Hook
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithHook registers a post-commit observer.
func WithHook(hook Hook) Option {
	return func(e *Engine) {
		if hook != nil {
			e.hooks = append(e.hooks, hook)
		}
	}
}

// AddHook registers a post-commit observer after construction; used when
// the observer itself wraps the engine.
func (e *Engine) AddHook(hook Hook) {
	if hook != nil {
		e.hooks = append(e.hooks, hook)
	}
}

// New creates an engine over the given store.
func New(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EntityType returns the entity type this engine manages.
func (e *Engine) EntityType() string {
	return e.store.EntityType()
}

// CreateVersionInput carries a create request. A nil EntityID allocates a
// new entity; a zero EffectiveFrom means "effective now".
type CreateVersionInput struct {
	EntityID      uuid.UUID
	Payload       map[string]any
	EffectiveFrom time.Time
	UserID        string
	ChangeReason  string
}

// CreateVersion records a new version of an entity. If the entity has an
// open version it is closed at the new version's EffectiveFrom, atomically
// with the insert and with the EXPIRE and CREATE audit entries. A stale
// concurrent writer receives domain.ErrConflict and must reload and retry.
func (e *Engine) CreateVersion(ctx context.Context, input CreateVersionInput) (domain.VersionRecord, error) {
	return e.createVersion(ctx, input, domain.ActionCreate)
}

func (e *Engine) createVersion(ctx context.Context, input CreateVersionInput, action domain.AuditAction) (domain.VersionRecord, error) {
	now := e.now()

	entityID := input.EntityID
	if entityID == uuid.Nil {
		entityID = uuid.New()
	}

	effectiveFrom := input.EffectiveFrom
	if effectiveFrom.IsZero() {
		effectiveFrom = now
	}

	open, err := e.store.OpenVersion(ctx, entityID)
	if err != nil {
		return domain.VersionRecord{}, err
	}

	var latest *domain.VersionRecord
	if open == nil {
		if latest, err = e.store.LatestVersion(ctx, entityID); err != nil {
			return domain.VersionRecord{}, err
		}
	}

	isInitial := open == nil && latest == nil
	if !isInitial && strings.TrimSpace(input.ChangeReason) == "" {
		return domain.VersionRecord{}, domain.Validationf("change reason is required for entity %s", entityID)
	}

	if open != nil && !effectiveFrom.After(open.EffectiveFrom) {
		return domain.VersionRecord{}, domain.Validationf(
			"effective_from %s must follow the open version's effective_from %s",
			effectiveFrom.Format(time.RFC3339), open.EffectiveFrom.Format(time.RFC3339))
	}
	if latest != nil && latest.EffectiveTo != nil && effectiveFrom.Before(*latest.EffectiveTo) {
		return domain.VersionRecord{}, domain.Validationf(
			"effective_from %s overlaps the closed interval ending %s",
			effectiveFrom.Format(time.RFC3339), latest.EffectiveTo.Format(time.RFC3339))
	}

	record := domain.NewVersionRecord(entityID, input.Payload, effectiveFrom, input.UserID, input.ChangeReason, now)

	var (
		closeReq *repository.CloseRequest
		audits   []domain.AuditEntry
	)
	if open != nil {
		closed := open.Closed(effectiveFrom, input.UserID, now)
		expireEntry, auditErr := domain.NewAuditEntry(domain.ActionExpire, open, &closed, input.UserID, input.ChangeReason, now)
		if auditErr != nil {
			return domain.VersionRecord{}, auditErr
		}
		audits = append(audits, expireEntry)
		closeReq = &repository.CloseRequest{
			VersionID:   open.VersionID,
			EffectiveTo: effectiveFrom,
			ModifiedBy:  input.UserID,
			ModifiedAt:  now,
		}
	}

	createEntry, auditErr := domain.NewAuditEntry(action, nil, &record, input.UserID, input.ChangeReason, now)
	if auditErr != nil {
		return domain.VersionRecord{}, auditErr
	}
	audits = append(audits, createEntry)

	if err := e.store.InsertVersion(ctx, record, closeReq, audits); err != nil {
		return domain.VersionRecord{}, err
	}

	e.notify(ctx, audits)
	return record, nil
}

// ExpireVersion closes the entity's open version with no replacement,
// leaving a gap from effectiveTo onward. A zero effectiveTo means "now".
func (e *Engine) ExpireVersion(ctx context.Context, entityID uuid.UUID, effectiveTo time.Time, userID, changeReason string) error {
	now := e.now()

	if strings.TrimSpace(changeReason) == "" {
		return domain.Validationf("change reason is required for entity %s", entityID)
	}

	open, err := e.store.OpenVersion(ctx, entityID)
	if err != nil {
		return err
	}
	if open == nil {
		return domain.NotFoundf("no open version for entity %s", entityID)
	}

	if effectiveTo.IsZero() {
		effectiveTo = now
	}
	if !effectiveTo.After(open.EffectiveFrom) {
		return domain.Validationf(
			"effective_to %s must follow the open version's effective_from %s",
			effectiveTo.Format(time.RFC3339), open.EffectiveFrom.Format(time.RFC3339))
	}

	closed := open.Closed(effectiveTo, userID, now)
	entry, err := domain.NewAuditEntry(domain.ActionExpire, open, &closed, userID, changeReason, now)
	if err != nil {
		return err
	}

	req := repository.CloseRequest{
		VersionID:   open.VersionID,
		EffectiveTo: effectiveTo,
		ModifiedBy:  userID,
		ModifiedAt:  now,
	}
	if err := e.store.CloseVersion(ctx, req, entry); err != nil {
		return err
	}

	e.notify(ctx, []domain.AuditEntry{entry})
	return nil
}

// RestoreVersion re-creates a historical payload as a new version effective
// now. The historical record itself is never reopened.
func (e *Engine) RestoreVersion(ctx context.Context, versionID uuid.UUID, userID, changeReason string) (domain.VersionRecord, error) {
	source, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return domain.VersionRecord{}, err
	}

	restoreReason := strings.TrimSpace(changeReason)
	if restoreReason == "" {
		restoreReason = "RESTORE"
	} else {
		restoreReason = "RESTORE: " + restoreReason
	}

	return e.createVersion(ctx, CreateVersionInput{
		EntityID:     source.EntityID,
		Payload:      source.Payload,
		UserID:       userID,
		ChangeReason: restoreReason,
	}, domain.ActionRestore)
}

// CurrentVersion returns the entity's open version, or nil if none.
func (e *Engine) CurrentVersion(ctx context.Context, entityID uuid.UUID) (*domain.VersionRecord, error) {
	return e.store.OpenVersion(ctx, entityID)
}

// VersionAt returns the version effective at instant, or nil if the instant
// precedes the first version or falls in a gap.
func (e *Engine) VersionAt(ctx context.Context, entityID uuid.UUID, instant time.Time) (*domain.VersionRecord, error) {
	return e.store.VersionAt(ctx, entityID, instant)
}

// AllActiveAt returns one version per entity active at instant.
func (e *Engine) AllActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error) {
	return e.store.ListActiveAt(ctx, instant)
}

// History returns every version of the entity, newest first.
func (e *Engine) History(ctx context.Context, entityID uuid.UUID) ([]domain.VersionRecord, error) {
	return e.store.ListVersions(ctx, entityID)
}

// AuditTrail returns the entity's audit entries, newest first.
func (e *Engine) AuditTrail(ctx context.Context, entityID uuid.UUID) ([]domain.AuditEntry, error) {
	return e.store.ListAuditByEntity(ctx, entityID)
}

// CompareVersions diffs the payloads of two stored versions.
func (e *Engine) CompareVersions(ctx context.Context, baseID, targetID uuid.UUID) (domain.PayloadDiff, error) {
	base, err := e.store.GetVersion(ctx, baseID)
	if err != nil {
		return nil, err
	}
	target, err := e.store.GetVersion(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return domain.CompareVersions(base, target)
}

func (e *Engine) notify(ctx context.Context, entries []domain.AuditEntry) {
	for _, hook := range e.hooks {
		for _, entry := range entries {
			hook(ctx, entry)
		}
	}
}

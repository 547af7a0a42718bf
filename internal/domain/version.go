package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VersionRecord is one immutable snapshot of a logical entity. All versions
// of one entity share EntityID; VersionID is globally unique and never
// reused. A record with a nil EffectiveTo is the entity's open version.
type VersionRecord struct {
	EntityID      uuid.UUID      `json:"entity_id"`
	VersionID     uuid.UUID      `json:"version_id"`
	EffectiveFrom time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
	Payload       map[string]any `json:"payload"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	ModifiedBy    string         `json:"modified_by"`
	ModifiedAt    time.Time      `json:"modified_at"`
	ChangeReason  string         `json:"change_reason"`
	IsActive      bool           `json:"is_active"`
}

// NewVersionRecord creates an open version with immutable pattern
func NewVersionRecord(entityID uuid.UUID, payload map[string]any, effectiveFrom time.Time, userID, changeReason string, now time.Time) VersionRecord {
	return VersionRecord{
		EntityID:      entityID,
		VersionID:     uuid.New(),
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   nil,
		Payload:       clonePayload(payload), // Deep copy to ensure immutability
		CreatedBy:     userID,
		CreatedAt:     now,
		ModifiedBy:    userID,
		ModifiedAt:    now,
		ChangeReason:  changeReason,
		IsActive:      true,
	}
}

// Closed returns a copy of the record with its interval closed. This is the
// only mutation a version ever sees after creation.
func (v VersionRecord) Closed(effectiveTo time.Time, userID string, now time.Time) VersionRecord {
	closed := v
	closed.EffectiveTo = &effectiveTo
	closed.IsActive = false
	closed.ModifiedBy = userID
	closed.ModifiedAt = now
	closed.Payload = clonePayload(v.Payload)
	return closed
}

// Clone returns a copy whose payload cannot alias the receiver's.
func (v VersionRecord) Clone() VersionRecord {
	out := v
	out.Payload = clonePayload(v.Payload)
	if v.EffectiveTo != nil {
		to := *v.EffectiveTo
		out.EffectiveTo = &to
	}
	return out
}

// ContainsInstant reports whether instant falls inside the record's
// [EffectiveFrom, EffectiveTo) interval. An open record contains every
// instant at or after EffectiveFrom.
func (v VersionRecord) ContainsInstant(instant time.Time) bool {
	if instant.Before(v.EffectiveFrom) {
		return false
	}
	if v.EffectiveTo == nil {
		return true
	}
	return instant.Before(*v.EffectiveTo)
}

// Overlaps reports whether two records' validity intervals intersect.
func (v VersionRecord) Overlaps(other VersionRecord) bool {
	if v.EffectiveTo != nil && !other.EffectiveFrom.Before(*v.EffectiveTo) {
		return false
	}
	if other.EffectiveTo != nil && !v.EffectiveFrom.Before(*other.EffectiveTo) {
		return false
	}
	return true
}

// GetPayloadAsJSONB marshals the payload for JSONB storage.
func (v *VersionRecord) GetPayloadAsJSONB() (json.RawMessage, error) {
	if v.Payload == nil {
		v.Payload = make(map[string]any)
	}
	return json.Marshal(v.Payload)
}

// FromJSONBPayload creates a payload map from JSONB data.
func FromJSONBPayload(payloadJSON json.RawMessage) (map[string]any, error) {
	var payload map[string]any
	err := json.Unmarshal(payloadJSON, &payload)
	return payload, err
}

// clonePayload creates a deep copy of the payload map so callers cannot
// mutate a stored record through a shared reference, including nested
// objects and lists.
func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, val := range payload {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return clonePayload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return typed
	}
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction enumerates the state-changing operations recorded in the
// audit log.
type AuditAction string

const (
	ActionCreate  AuditAction = "CREATE"
	ActionUpdate  AuditAction = "UPDATE"
	ActionExpire  AuditAction = "EXPIRE"
	ActionRestore AuditAction = "RESTORE"
)

// ValidAuditAction reports whether the given string is a known action.
func ValidAuditAction(action string) bool {
	switch AuditAction(action) {
	case ActionCreate, ActionUpdate, ActionExpire, ActionRestore:
		return true
	}
	return false
}

// AuditEntry is one append-only record of a mutation: who changed what,
// when, and why. Entries are never edited or deleted.
type AuditEntry struct {
	ID           uuid.UUID       `json:"id"`
	VersionID    uuid.UUID       `json:"version_id"`
	EntityID     uuid.UUID       `json:"entity_id"`
	Action       AuditAction     `json:"action"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"user_id"`
	ChangeReason string          `json:"change_reason"`
	BeforeState  json.RawMessage `json:"before_state,omitempty"`
	AfterState   json.RawMessage `json:"after_state,omitempty"`
}

// NewAuditEntry builds an entry capturing the before and after snapshots of
// the affected version. A nil before or after is stored as an absent state
// (initial create, terminal expire).
func NewAuditEntry(action AuditAction, before, after *VersionRecord, userID, changeReason string, now time.Time) (AuditEntry, error) {
	entry := AuditEntry{
		ID:           uuid.New(),
		Action:       action,
		Timestamp:    now,
		UserID:       userID,
		ChangeReason: changeReason,
	}

	switch {
	case after != nil:
		entry.VersionID = after.VersionID
		entry.EntityID = after.EntityID
	case before != nil:
		entry.VersionID = before.VersionID
		entry.EntityID = before.EntityID
	default:
		return AuditEntry{}, fmt.Errorf("audit entry requires a before or after state")
	}

	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return AuditEntry{}, fmt.Errorf("failed to marshal before state: %w", err)
		}
		entry.BeforeState = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return AuditEntry{}, fmt.Errorf("failed to marshal after state: %w", err)
		}
		entry.AfterState = raw
	}

	return entry, nil
}

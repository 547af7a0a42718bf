// Package api exposes the versioning engine to domain services over JSON
// HTTP. It is an internal service surface, not an end-user API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/engine"
	"github.com/rpattn/freightmdm/internal/export"
	"github.com/rpattn/freightmdm/internal/query"

	"github.com/google/uuid"
)

// Handler routes /v1/{entityType}/... requests to the engine bound to that
// entity type.
type Handler struct {
	engines  map[string]*engine.Engine
	queries  map[string]*query.PointInTime
	exporter *export.Service
}

// NewHandler creates the HTTP surface over the per-type engines and query
// layers. exporter may be nil to disable exports.
func NewHandler(engines map[string]*engine.Engine, queries map[string]*query.PointInTime, exporter *export.Service) http.Handler {
	return &Handler{engines: engines, queries: queries, exporter: exporter}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "v1" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	entityType := segments[1]
	eng, ok := h.engines[entityType]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown entity type %q", entityType), http.StatusNotFound)
		return
	}
	q := h.queries[entityType]
	rest := segments[2:]

	switch {
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "versions":
		h.handleCreate(w, r, eng)
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "versions" && rest[2] == "restore":
		h.handleRestore(w, r, eng, rest[1])
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "entities" && rest[2] == "expire":
		h.handleExpire(w, r, eng, rest[1])
	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "entities" && rest[2] == "current":
		h.handleCurrent(w, r, q, rest[1])
	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "entities" && rest[2] == "at":
		h.handleAt(w, r, q, rest[1])
	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "entities" && rest[2] == "history":
		h.handleHistory(w, r, q, rest[1])
	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "entities" && rest[2] == "audit":
		h.handleAudit(w, r, eng, rest[1])
	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "active":
		h.handleActive(w, r, q)
	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "compare":
		h.handleCompare(w, r, eng)
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "export":
		h.handleExport(w, r, entityType)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

type createVersionPayload struct {
	EntityID      string         `json:"entityId,omitempty"`
	Payload       map[string]any `json:"payload"`
	EffectiveFrom string         `json:"effectiveFrom,omitempty"`
	UserID        string         `json:"userId"`
	ChangeReason  string         `json:"changeReason,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	var payload createVersionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	input := engine.CreateVersionInput{
		Payload:      payload.Payload,
		UserID:       payload.UserID,
		ChangeReason: payload.ChangeReason,
	}
	if payload.EntityID != "" {
		entityID, err := uuid.Parse(payload.EntityID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
			return
		}
		input.EntityID = entityID
	}
	if payload.EffectiveFrom != "" {
		effectiveFrom, err := time.Parse(time.RFC3339, payload.EffectiveFrom)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid effectiveFrom: %v", err), http.StatusBadRequest)
			return
		}
		input.EffectiveFrom = effectiveFrom
	}

	record, err := eng.CreateVersion(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

type expireVersionPayload struct {
	EffectiveTo  string `json:"effectiveTo,omitempty"`
	UserID       string `json:"userId"`
	ChangeReason string `json:"changeReason"`
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request, eng *engine.Engine, rawEntityID string) {
	entityID, err := uuid.Parse(rawEntityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return
	}

	var payload expireVersionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var effectiveTo time.Time
	if payload.EffectiveTo != "" {
		if effectiveTo, err = time.Parse(time.RFC3339, payload.EffectiveTo); err != nil {
			http.Error(w, fmt.Sprintf("invalid effectiveTo: %v", err), http.StatusBadRequest)
			return
		}
	}

	if err := eng.ExpireVersion(r.Context(), entityID, effectiveTo, payload.UserID, payload.ChangeReason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type restoreVersionPayload struct {
	UserID       string `json:"userId"`
	ChangeReason string `json:"changeReason,omitempty"`
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request, eng *engine.Engine, rawVersionID string) {
	versionID, err := uuid.Parse(rawVersionID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid version id: %v", err), http.StatusBadRequest)
		return
	}

	var payload restoreVersionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	record, err := eng.RestoreVersion(r.Context(), versionID, payload.UserID, payload.ChangeReason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request, q *query.PointInTime, rawEntityID string) {
	entityID, err := uuid.Parse(rawEntityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return
	}

	record, err := q.Current(r.Context(), entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOptionalRecord(w, record)
}

func (h *Handler) handleAt(w http.ResponseWriter, r *http.Request, q *query.PointInTime, rawEntityID string) {
	entityID, err := uuid.Parse(rawEntityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return
	}
	instant, err := parseInstant(r, true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	record, err := q.At(r.Context(), entityID, instant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOptionalRecord(w, record)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, q *query.PointInTime, rawEntityID string) {
	entityID, err := uuid.Parse(rawEntityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return
	}

	records, err := q.History(r.Context(), entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request, eng *engine.Engine, rawEntityID string) {
	entityID, err := uuid.Parse(rawEntityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return
	}

	entries, err := eng.AuditTrail(r.Context(), entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request, q *query.PointInTime) {
	instant, err := parseInstant(r, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := q.ActiveAt(r.Context(), instant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	baseID, err := uuid.Parse(r.URL.Query().Get("base"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid base version id: %v", err), http.StatusBadRequest)
		return
	}
	targetID, err := uuid.Parse(r.URL.Query().Get("target"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid target version id: %v", err), http.StatusBadRequest)
		return
	}

	diff, err := eng.CompareVersions(r.Context(), baseID, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

type exportPayload struct {
	Instant string `json:"instant,omitempty"`
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, entityType string) {
	if h.exporter == nil {
		http.Error(w, "exports are disabled", http.StatusNotFound)
		return
	}

	var payload exportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	instant := time.Now()
	if payload.Instant != "" {
		parsed, err := time.Parse(time.RFC3339, payload.Instant)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid instant: %v", err), http.StatusBadRequest)
			return
		}
		instant = parsed
	}

	result, err := h.exporter.ExportActiveAt(r.Context(), entityType, instant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseInstant(r *http.Request, required bool) (time.Time, error) {
	raw := r.URL.Query().Get("instant")
	if raw == "" {
		if required {
			return time.Time{}, fmt.Errorf("instant query parameter is required")
		}
		return time.Now(), nil
	}
	instant, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant: %v", err)
	}
	return instant, nil
}

// writeOptionalRecord encodes a nil record as 200 with a JSON null: "no
// data at instant X" is a normal empty result, not an error.
func writeOptionalRecord(w http.ResponseWriter, record *domain.VersionRecord) {
	if record == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStorage):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

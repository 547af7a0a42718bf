package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/engine"
	"github.com/rpattn/freightmdm/internal/query"
	"github.com/rpattn/freightmdm/internal/repository"

	"github.com/google/uuid"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	store := repository.NewMemoryStore("delivery_lanes")
	eng := engine.New(store)
	q := query.New(eng, 16, time.Minute)
	eng.AddHook(q.InvalidationHook())

	return NewHandler(
		map[string]*engine.Engine{"delivery_lanes": eng},
		map[string]*query.PointInTime{"delivery_lanes": q},
		nil,
	)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createLane(t *testing.T, handler http.Handler, body map[string]any) domain.VersionRecord {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/v1/delivery_lanes/versions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var record domain.VersionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	return record
}

func TestCreateAndQueryLifecycle(t *testing.T) {
	handler := newTestHandler(t)

	v1 := createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 100},
		"effectiveFrom": "2025-01-01T00:00:00Z",
		"userId":        "alice",
	})
	if v1.EntityID == uuid.Nil || v1.VersionID == uuid.Nil {
		t.Fatalf("expected allocated ids in create response")
	}

	createLane(t, handler, map[string]any{
		"entityId":      v1.EntityID.String(),
		"payload":       map[string]any{"rate": 120},
		"effectiveFrom": "2025-06-01T00:00:00Z",
		"userId":        "bob",
		"changeReason":  "rate increase",
	})

	rec := doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/current", v1.EntityID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var current domain.VersionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &current); err != nil {
		t.Fatalf("failed to decode current response: %v", err)
	}
	if current.Payload["rate"] != float64(120) {
		t.Errorf("expected current rate 120, got %v", current.Payload["rate"])
	}

	rec = doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/at?instant=2025-03-01T00:00:00Z", v1.EntityID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var at domain.VersionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &at); err != nil {
		t.Fatalf("failed to decode as-of response: %v", err)
	}
	if at.Payload["rate"] != float64(100) {
		t.Errorf("expected rate 100 as of March, got %v", at.Payload["rate"])
	}

	rec = doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/history", v1.EntityID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var history []domain.VersionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("failed to decode history response: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}

	rec = doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/audit", v1.EntityID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var trail []domain.AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &trail); err != nil {
		t.Fatalf("failed to decode audit response: %v", err)
	}
	if len(trail) != 3 {
		t.Errorf("expected 3 audit entries, got %d", len(trail))
	}
}

func TestExpireAndGapQueries(t *testing.T) {
	handler := newTestHandler(t)

	v1 := createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 100},
		"effectiveFrom": "2025-01-01T00:00:00Z",
		"userId":        "alice",
	})

	rec := doJSON(t, handler, http.MethodPost,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/expire", v1.EntityID), map[string]any{
			"effectiveTo":  "2025-12-31T00:00:00Z",
			"userId":       "bob",
			"changeReason": "lane retired",
		})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/current", v1.EntityID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := bytes.TrimSpace(rec.Body.Bytes()); string(body) != "null" {
		t.Errorf("expected JSON null for expired entity, got %s", body)
	}

	// A second expire finds no open version.
	rec = doJSON(t, handler, http.MethodPost,
		fmt.Sprintf("/v1/delivery_lanes/entities/%s/expire", v1.EntityID), map[string]any{
			"userId":       "bob",
			"changeReason": "again",
		})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for expire without open version, got %d", rec.Code)
	}
}

func TestRestoreEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	v1 := createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 100},
		"effectiveFrom": "2025-01-01T00:00:00Z",
		"userId":        "alice",
	})
	createLane(t, handler, map[string]any{
		"entityId":      v1.EntityID.String(),
		"payload":       map[string]any{"rate": 120},
		"effectiveFrom": "2025-06-01T00:00:00Z",
		"userId":        "bob",
		"changeReason":  "rate increase",
	})

	rec := doJSON(t, handler, http.MethodPost,
		fmt.Sprintf("/v1/delivery_lanes/versions/%s/restore", v1.VersionID), map[string]any{
			"userId":       "carol",
			"changeReason": "reinstate",
		})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var restored domain.VersionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &restored); err != nil {
		t.Fatalf("failed to decode restore response: %v", err)
	}
	if restored.Payload["rate"] != float64(100) {
		t.Errorf("expected restored rate 100, got %v", restored.Payload["rate"])
	}
	if restored.VersionID == v1.VersionID {
		t.Errorf("restore must mint a new version id")
	}
}

func TestCompareEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	v1 := createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 100},
		"effectiveFrom": "2025-01-01T00:00:00Z",
		"userId":        "alice",
	})
	v2 := createLane(t, handler, map[string]any{
		"entityId":      v1.EntityID.String(),
		"payload":       map[string]any{"rate": 120},
		"effectiveFrom": "2025-06-01T00:00:00Z",
		"userId":        "bob",
		"changeReason":  "rate increase",
	})

	rec := doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/v1/delivery_lanes/compare?base=%s&target=%s", v1.VersionID, v2.VersionID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var diff map[string]domain.FieldChange
	if err := json.Unmarshal(rec.Body.Bytes(), &diff); err != nil {
		t.Fatalf("failed to decode compare response: %v", err)
	}
	if len(diff) != 1 {
		t.Fatalf("expected a single changed field, got %v", diff)
	}
	if diff["rate"].New != float64(120) {
		t.Errorf("unexpected rate change %+v", diff["rate"])
	}
}

func TestErrorMapping(t *testing.T) {
	handler := newTestHandler(t)

	v1 := createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 100},
		"effectiveFrom": "2025-06-01T00:00:00Z",
		"userId":        "alice",
	})

	cases := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{
			name:   "validation error maps to 400",
			method: http.MethodPost,
			path:   "/v1/delivery_lanes/versions",
			body: map[string]any{
				"entityId":      v1.EntityID.String(),
				"payload":       map[string]any{"rate": 90},
				"effectiveFrom": "2025-01-01T00:00:00Z",
				"userId":        "bob",
				"changeReason":  "backdate",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown entity type maps to 404",
			method:     http.MethodGet,
			path:       fmt.Sprintf("/v1/warehouses/entities/%s/current", v1.EntityID),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown version on restore maps to 404",
			method:     http.MethodPost,
			path:       fmt.Sprintf("/v1/delivery_lanes/versions/%s/restore", uuid.New()),
			body:       map[string]any{"userId": "bob", "changeReason": "x"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "malformed entity id maps to 400",
			method:     http.MethodGet,
			path:       "/v1/delivery_lanes/entities/not-a-uuid/current",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing instant on as-of maps to 400",
			method:     http.MethodGet,
			path:       fmt.Sprintf("/v1/delivery_lanes/entities/%s/at", v1.EntityID),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "export disabled maps to 404",
			method:     http.MethodPost,
			path:       "/v1/delivery_lanes/export",
			body:       map[string]any{},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unrouted path maps to 404",
			method:     http.MethodGet,
			path:       "/v1/delivery_lanes/unknown",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, tc.method, tc.path, tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestActiveEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 100},
		"effectiveFrom": "2025-01-01T00:00:00Z",
		"userId":        "alice",
	})
	createLane(t, handler, map[string]any{
		"payload":       map[string]any{"rate": 80},
		"effectiveFrom": "2025-02-01T00:00:00Z",
		"userId":        "alice",
	})

	rec := doJSON(t, handler, http.MethodGet, "/v1/delivery_lanes/active?instant=2025-03-01T00:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var records []domain.VersionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("failed to decode active response: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 active records, got %d", len(records))
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/delivery_lanes/active?instant=2025-01-15T00:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	records = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("failed to decode active response: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 active record in mid-January, got %d", len(records))
	}
}

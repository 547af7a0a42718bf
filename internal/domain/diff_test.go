package domain

import (
	"testing"
)

func TestComparePayloadsNestedFields(t *testing.T) {
	oldPayload := map[string]any{
		"rate": float64(100),
		"origin": map[string]any{
			"city": "Rotterdam",
			"code": "NLRTM",
		},
		"stops": []any{"A", "B"},
	}
	newPayload := map[string]any{
		"rate": float64(120),
		"origin": map[string]any{
			"city": "Rotterdam",
			"code": "NLRTM",
		},
		"stops":    []any{"A", "C"},
		"currency": "EUR",
	}

	diff, err := ComparePayloads(oldPayload, newPayload)
	if err != nil {
		t.Fatalf("unexpected error computing diff: %v", err)
	}

	expected := map[string]FieldChange{
		"rate":     {Old: float64(100), New: float64(120)},
		"stops[1]": {Old: "B", New: "C"},
		"currency": {Old: nil, New: "EUR"},
	}

	if len(diff) != len(expected) {
		t.Fatalf("expected %d changed fields, got %d: %v", len(expected), len(diff), diff.Fields())
	}

	for field, want := range expected {
		got, ok := diff[field]
		if !ok {
			t.Fatalf("expected field %q in diff, fields: %v", field, diff.Fields())
		}
		if !equalValue(got.Old, want.Old) || !equalValue(got.New, want.New) {
			t.Errorf("field %q mismatch: expected %+v got %+v", field, want, got)
		}
	}

	if _, ok := diff["origin.city"]; ok {
		t.Errorf("unchanged field origin.city must not appear in diff")
	}
}

func TestComparePayloadsRemovedField(t *testing.T) {
	diff, err := ComparePayloads(
		map[string]any{"surcharge": float64(12.5)},
		map[string]any{},
	)
	if err != nil {
		t.Fatalf("unexpected error computing diff: %v", err)
	}

	change, ok := diff["surcharge"]
	if !ok {
		t.Fatalf("expected removed field in diff, got %v", diff.Fields())
	}
	if change.New != nil {
		t.Errorf("removed field must have nil new value, got %v", change.New)
	}
	if change.Old != float64(12.5) {
		t.Errorf("expected old value 12.5, got %v", change.Old)
	}
}

func TestComparePayloadsNumericNormalization(t *testing.T) {
	diff, err := ComparePayloads(
		map[string]any{"axles": 3},
		map[string]any{"axles": float64(3)},
	)
	if err != nil {
		t.Fatalf("unexpected error computing diff: %v", err)
	}
	if len(diff) != 0 {
		t.Fatalf("expected equal numeric values to produce empty diff, got %v", diff.Fields())
	}
}

func TestComparePayloadsEmpty(t *testing.T) {
	diff, err := ComparePayloads(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error computing diff: %v", err)
	}
	if len(diff) != 0 {
		t.Fatalf("expected empty diff for empty payloads, got %v", diff.Fields())
	}
}

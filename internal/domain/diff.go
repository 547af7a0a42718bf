package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// FieldChange captures one payload field's value on each side of a diff.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// PayloadDiff maps flattened payload field names (dotted for nesting,
// [n] for list indices) to their change.
type PayloadDiff map[string]FieldChange

// ComparePayloads produces a structural diff over payload fields only.
// Unchanged fields are omitted; an added field has a nil Old, a removed
// field a nil New.
func ComparePayloads(oldPayload, newPayload map[string]any) (PayloadDiff, error) {
	oldFlat := map[string]any{}
	if len(oldPayload) > 0 {
		if err := flattenPayload("", oldPayload, oldFlat); err != nil {
			return nil, err
		}
	}

	newFlat := map[string]any{}
	if len(newPayload) > 0 {
		if err := flattenPayload("", newPayload, newFlat); err != nil {
			return nil, err
		}
	}

	diff := PayloadDiff{}
	for key, oldValue := range oldFlat {
		newValue, ok := newFlat[key]
		if !ok {
			diff[key] = FieldChange{Old: oldValue, New: nil}
			continue
		}
		if !equalValue(oldValue, newValue) {
			diff[key] = FieldChange{Old: oldValue, New: newValue}
		}
	}
	for key, newValue := range newFlat {
		if _, ok := oldFlat[key]; !ok {
			diff[key] = FieldChange{Old: nil, New: newValue}
		}
	}

	return diff, nil
}

// CompareVersions diffs the payloads of two version records.
func CompareVersions(a, b VersionRecord) (PayloadDiff, error) {
	return ComparePayloads(a.Payload, b.Payload)
}

// FlattenPayload flattens a payload into dotted leaf fields, the same
// shape the diff uses.
func FlattenPayload(payload map[string]any) (map[string]any, error) {
	flat := map[string]any{}
	if len(payload) > 0 {
		if err := flattenPayload("", payload, flat); err != nil {
			return nil, err
		}
	}
	return flat, nil
}

// Fields returns the diff's field names in sorted order.
func (d PayloadDiff) Fields() []string {
	fields := make([]string, 0, len(d))
	for field := range d {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func flattenPayload(prefix string, value any, acc map[string]any) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = map[string]any{}
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextPrefix := key
			if prefix != "" {
				nextPrefix = prefix + "." + key
			}
			if err := flattenPayload(nextPrefix, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = []any{}
			}
			return nil
		}
		for idx, item := range typed {
			nextPrefix := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				nextPrefix = fmt.Sprintf("[%d]", idx)
			}
			if err := flattenPayload(nextPrefix, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = nil
		}
	default:
		if prefix == "" {
			return fmt.Errorf("payload key missing for value %v", typed)
		}
		acc[prefix] = typed
	}

	return nil
}

// equalValue compares scalar leaves. JSON round-tripping normalizes numeric
// types before reflect.DeepEqual so 100 and 100.0 compare equal.
func equalValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}

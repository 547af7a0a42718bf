package query

import (
	"context"
	"testing"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/engine"
	"github.com/rpattn/freightmdm/internal/repository"

	"github.com/google/uuid"
)

// countingStore wraps a Store and counts full active-set scans so tests can
// observe whether the snapshot cache was hit.
type countingStore struct {
	repository.Store
	activeScans int
}

func (s *countingStore) ListActiveAt(ctx context.Context, instant time.Time) ([]domain.VersionRecord, error) {
	s.activeScans++
	return s.Store.ListActiveAt(ctx, instant)
}

func newFixture(t *testing.T) (*engine.Engine, *PointInTime, *countingStore) {
	t.Helper()
	store := &countingStore{Store: repository.NewMemoryStore("vehicles")}
	eng := engine.New(store)
	q := New(eng, 16, time.Minute)
	eng.AddHook(q.InvalidationHook())
	return eng, q, store
}

func seedEntity(t *testing.T, eng *engine.Engine) domain.VersionRecord {
	t.Helper()
	record, err := eng.CreateVersion(context.Background(), engine.CreateVersionInput{
		Payload:       map[string]any{"plate": "AB-123"},
		EffectiveFrom: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		UserID:        "tester",
	})
	if err != nil {
		t.Fatalf("unexpected error seeding entity: %v", err)
	}
	return record
}

func TestActiveAtServesRepeatScansFromCache(t *testing.T) {
	eng, q, store := newFixture(t)
	seedEntity(t, eng)

	instant := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		records, err := q.ActiveAt(context.Background(), instant)
		if err != nil {
			t.Fatalf("unexpected error querying active set: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 active record, got %d", len(records))
		}
	}
	if store.activeScans != 1 {
		t.Errorf("expected a single store scan for repeated queries, got %d", store.activeScans)
	}

	// A different instant is a different snapshot.
	if _, err := q.ActiveAt(context.Background(), instant.Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error querying active set: %v", err)
	}
	if store.activeScans != 2 {
		t.Errorf("expected a fresh scan for a new instant, got %d", store.activeScans)
	}
}

func TestMutationInvalidatesCachedSnapshots(t *testing.T) {
	eng, q, store := newFixture(t)
	first := seedEntity(t, eng)

	instant := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	records, err := q.ActiveAt(context.Background(), instant)
	if err != nil {
		t.Fatalf("unexpected error querying active set: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 active record, got %d", len(records))
	}

	if _, err := eng.CreateVersion(context.Background(), engine.CreateVersionInput{
		EntityID:      first.EntityID,
		Payload:       map[string]any{"plate": "AB-123", "capacity": float64(24)},
		EffectiveFrom: time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		UserID:        "tester",
		ChangeReason:  "capacity recorded",
	}); err != nil {
		t.Fatalf("unexpected error superseding version: %v", err)
	}

	records, err = q.ActiveAt(context.Background(), instant)
	if err != nil {
		t.Fatalf("unexpected error querying active set: %v", err)
	}
	if store.activeScans != 2 {
		t.Errorf("expected the mutation to purge the cache, scans=%d", store.activeScans)
	}
	if len(records) != 1 || records[0].Payload["capacity"] != float64(24) {
		t.Errorf("expected the refreshed snapshot to carry the new payload, got %+v", records[0].Payload)
	}
}

func TestActiveAtReturnsIsolatedCopies(t *testing.T) {
	eng, q, _ := newFixture(t)
	seedEntity(t, eng)

	instant := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	records, err := q.ActiveAt(context.Background(), instant)
	if err != nil {
		t.Fatalf("unexpected error querying active set: %v", err)
	}
	records[0].Payload["plate"] = "tampered"

	records, err = q.ActiveAt(context.Background(), instant)
	if err != nil {
		t.Fatalf("unexpected error re-querying active set: %v", err)
	}
	if records[0].Payload["plate"] != "AB-123" {
		t.Errorf("cached snapshot mutated through a returned record: %v", records[0].Payload["plate"])
	}
}

func TestPassthroughQueries(t *testing.T) {
	eng, q, _ := newFixture(t)
	record := seedEntity(t, eng)

	current, err := q.Current(context.Background(), record.EntityID)
	if err != nil {
		t.Fatalf("unexpected error querying current version: %v", err)
	}
	if current == nil || current.VersionID != record.VersionID {
		t.Fatalf("expected the seeded version to be current")
	}

	at, err := q.At(context.Background(), record.EntityID, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error querying version at instant: %v", err)
	}
	if at != nil {
		t.Errorf("expected no version before first effective_from, got %+v", at)
	}

	history, err := q.History(context.Background(), record.EntityID)
	if err != nil {
		t.Fatalf("unexpected error querying history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected history length 1, got %d", len(history))
	}

	if _, err := q.History(context.Background(), uuid.New()); err == nil {
		t.Errorf("expected an error for unknown entity history")
	}
}

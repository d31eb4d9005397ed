package config

import (
	"context"
	"encoding/json"
	"testing"
)

// fakeStore is an in-memory ConfigStore for tests.
type fakeStore struct {
	row map[string]any
}

func (f *fakeStore) GetConfig(ctx context.Context) (map[string]any, error) {
	return f.row, nil
}

func (f *fakeStore) SetConfig(ctx context.Context, data map[string]any) error {
	f.row = data
	return nil
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.NextToServeGraceMinutes != 5 {
		t.Fatalf("NextToServeGraceMinutes = %d, want 5", d.NextToServeGraceMinutes)
	}
	if d.ArrivalLateThresholdMinutes != 30 {
		t.Fatalf("ArrivalLateThresholdMinutes = %d, want 30", d.ArrivalLateThresholdMinutes)
	}
	if d.PriorityInsertionMinPosition != 2 {
		t.Fatalf("PriorityInsertionMinPosition = %d, want 2", d.PriorityInsertionMinPosition)
	}
	if d.WaitEstimateMaxMinutes != 180 {
		t.Fatalf("WaitEstimateMaxMinutes = %d, want 180", d.WaitEstimateMaxMinutes)
	}
}

func TestLoadSeedsDefaultsWhenEmpty(t *testing.T) {
	st := &fakeStore{}
	g, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.row == nil {
		t.Fatal("expected Load to persist defaults into an empty store")
	}
	if g.Get().NextToServeGraceMinutes != 5 {
		t.Fatalf("Get().NextToServeGraceMinutes = %d, want 5", g.Get().NextToServeGraceMinutes)
	}
}

func TestLoadReadsExistingRow(t *testing.T) {
	seed := Defaults()
	seed.NextToServeGraceMinutes = 9
	b, _ := json.Marshal(seed)
	var m map[string]any
	_ = json.Unmarshal(b, &m)

	st := &fakeStore{row: m}
	g, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := g.Get().NextToServeGraceMinutes; got != 9 {
		t.Fatalf("Get().NextToServeGraceMinutes = %d, want 9", got)
	}
}

func TestSetRoundTrips(t *testing.T) {
	st := &fakeStore{}
	g, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	next := g.Get()
	next.NextToServeGraceMinutes = 7
	next.WaitEstimateMaxMinutes = 120
	if err := g.Set(context.Background(), next); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if got := g.Get().NextToServeGraceMinutes; got != 7 {
		t.Fatalf("after Set, NextToServeGraceMinutes = %d, want 7", got)
	}
	if st.row["next_to_serve_grace_minutes"].(float64) != 7 {
		t.Fatalf("persisted row not updated: %v", st.row["next_to_serve_grace_minutes"])
	}

	// A second Load against the same store should observe the new value.
	g2, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if got := g2.Get().WaitEstimateMaxMinutes; got != 120 {
		t.Fatalf("second Load WaitEstimateMaxMinutes = %d, want 120", got)
	}
}

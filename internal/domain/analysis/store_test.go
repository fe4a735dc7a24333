package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ehr/riskwatch/internal/domain/risk"
)

func analysisFixture(id string, state State, created time.Time) *Analysis {
	return &Analysis{
		ID:        id,
		State:     state,
		Report:    &risk.RiskReport{ID: id, PatientID: "p1", Classification: risk.ClassificationNormal},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	a := analysisFixture("a1", StatePending, time.Now())
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	// mutations after Save must not leak into the store
	a.State = StateDelivered

	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("expected stored copy to stay pending, got %s", got.State)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListPending(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		state := StatePending
		if i == 2 {
			state = StateDelivered
		}
		s.Save(ctx, analysisFixture(fmt.Sprintf("a%d", i), state, now.Add(time.Duration(i)*time.Second)))
	}

	items, total, err := s.ListPending(ctx, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 4 {
		t.Errorf("expected 4 pending, got %d", total)
	}
	if len(items) != 2 || items[0].ID != "a1" || items[1].ID != "a3" {
		t.Errorf("unexpected page %v", ids(items))
	}

	items, _, _ = s.ListPending(ctx, 10, 10)
	if len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(items))
	}

	// delivering removes the analysis from the pending view
	s.Save(ctx, analysisFixture("a0", StateDelivered, now))
	if n, _ := s.CountPending(ctx); n != 3 {
		t.Errorf("expected 3 pending, got %d", n)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Save(ctx, analysisFixture("old", StatePending, now))
	now = now.Add(2 * time.Minute)
	s.Save(ctx, analysisFixture("new", StatePending, now))

	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired analysis to be gone, got %v", err)
	}
	items, total, _ := s.ListPending(ctx, 10, 0)
	if total != 1 || items[0].ID != "new" {
		t.Errorf("expected only the fresh analysis, got %v", ids(items))
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Save(ctx, analysisFixture(fmt.Sprintf("a%d", i), StatePending, time.Now()))
			s.ListPending(ctx, 5, 0)
		}(i)
	}
	wg.Wait()
	if n, _ := s.CountPending(ctx); n != 50 {
		t.Errorf("expected 50 pending, got %d", n)
	}
}

func ids(items []*Analysis) []string {
	out := make([]string, len(items))
	for i, a := range items {
		out[i] = a.ID
	}
	return out
}

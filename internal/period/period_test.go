package period

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/rollbook/internal/record"
)

func termPeriods() []Period {
	return []Period{
		{ID: "term-2", Name: "Spring", Start: "2025-01-10", End: "2025-05-30"},
		{ID: "term-1", Name: "Fall", Start: "2024-09-01", End: "2024-12-20", Locked: true},
	}
}

func TestNewRegistry_SortsByStart(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("Len = %d, want 2", len(all))
	}
	if all[0].ID != "term-1" || all[1].ID != "term-2" {
		t.Errorf("periods not sorted by start: %v, %v", all[0].ID, all[1].ID)
	}
}

func TestNewRegistry_RejectsOverlap(t *testing.T) {
	_, err := NewRegistry([]Period{
		{ID: "a", Start: "2024-09-01", End: "2024-12-20"},
		{ID: "b", Start: "2024-12-20", End: "2025-05-30"}, // shares the end date
	})
	if err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestNewRegistry_RejectsInvertedWindow(t *testing.T) {
	_, err := NewRegistry([]Period{{ID: "a", Start: "2024-12-20", End: "2024-09-01"}})
	if err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestNewRegistry_RejectsDuplicateID(t *testing.T) {
	_, err := NewRegistry([]Period{
		{ID: "a", Start: "2024-09-01", End: "2024-09-30"},
		{ID: "a", Start: "2024-10-01", End: "2024-10-31"},
	})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestNewRegistry_RejectsMissingID(t *testing.T) {
	_, err := NewRegistry([]Period{{Name: "Fall", Start: "2024-09-01", End: "2024-12-20"}})
	if err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestNewRegistry_Empty(t *testing.T) {
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry(nil) failed: %v", err)
	}
	if !r.IsMutable("2024-09-10", "") {
		t.Error("empty registry should leave every date mutable")
	}
}

func TestContaining(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	cases := []struct {
		date   record.Date
		wantID string
		wantOK bool
	}{
		{"2024-09-01", "term-1", true}, // start inclusive
		{"2024-10-15", "term-1", true},
		{"2024-12-20", "term-1", true}, // end inclusive
		{"2024-12-21", "", false},      // gap between terms
		{"2025-01-10", "term-2", true},
		{"2024-08-31", "", false}, // before everything
		{"2025-06-01", "", false}, // after everything
	}
	for _, tc := range cases {
		p, ok := r.Containing(tc.date)
		if ok != tc.wantOK {
			t.Errorf("Containing(%s) ok = %v, want %v", tc.date, ok, tc.wantOK)
			continue
		}
		if ok && p.ID != tc.wantID {
			t.Errorf("Containing(%s) = %s, want %s", tc.date, p.ID, tc.wantID)
		}
	}
}

func TestIsMutable_ByDateContainment(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	if r.IsMutable("2024-10-15", "") {
		t.Error("date inside locked term-1 should not be mutable")
	}
	if !r.IsMutable("2025-02-14", "") {
		t.Error("date inside unlocked term-2 should be mutable")
	}
}

func TestIsMutable_ExplicitIDWins(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	// Record carries term-2 (unlocked) but is dated inside locked term-1.
	// The explicit id decides.
	if !r.IsMutable("2024-10-15", "term-2") {
		t.Error("explicit unlocked period id should win over date containment")
	}
	if r.IsMutable("2025-02-14", "term-1") {
		t.Error("explicit locked period id should win over date containment")
	}
}

func TestIsMutable_UnknownExplicitIDFallsBackToDate(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	if r.IsMutable("2024-10-15", "term-gone") {
		t.Error("unresolvable id should fall back to locked containment")
	}
}

func TestIsMutable_NoMatchDefaultsToMutable(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	// Legacy data predating the period system must never be blocked.
	if !r.IsMutable("2020-03-15", "") {
		t.Error("date outside every period should stay mutable")
	}
}

func TestResolve(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	if p, ok := r.Resolve("2024-10-15", ""); !ok || p.ID != "term-1" {
		t.Errorf("Resolve by containment = %+v, %v", p, ok)
	}
	if p, ok := r.Resolve("2024-10-15", "term-2"); !ok || p.ID != "term-2" {
		t.Errorf("Resolve with explicit id = %+v, %v", p, ok)
	}
	if p, ok := r.Resolve("2024-10-15", "term-gone"); !ok || p.ID != "term-1" {
		t.Errorf("Resolve with unknown id should fall back to containment, got %+v, %v", p, ok)
	}
	if _, ok := r.Resolve("2020-03-15", ""); ok {
		t.Error("Resolve outside every period should miss")
	}
}

func TestByID(t *testing.T) {
	r, err := NewRegistry(termPeriods())
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	p, ok := r.ByID("term-1")
	if !ok || p.Name != "Fall" {
		t.Errorf("ByID(term-1) = %+v, %v", p, ok)
	}
	if _, ok := r.ByID("nope"); ok {
		t.Error("ByID(nope) should miss")
	}
}

type staticSource struct {
	periods []Period
	err     error
}

func (s staticSource) ListPeriods(ctx context.Context, ownerID string) ([]Period, error) {
	return s.periods, s.err
}

func TestLoad(t *testing.T) {
	r, err := Load(context.Background(), staticSource{periods: termPeriods()}, "owner-1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestLoad_SourceError(t *testing.T) {
	srcErr := errors.New("backend down")
	_, err := Load(context.Background(), staticSource{err: srcErr}, "owner-1")
	if !errors.Is(err, srcErr) {
		t.Errorf("Load() error = %v, want wrapped source error", err)
	}
}

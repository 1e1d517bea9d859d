// Package period answers one question for the rest of the system: is a
// record dated d still mutable, or does it fall inside a locked window?
//
// Periods are defined by an administrative collaborator (calendar files,
// backend) and are read-only here. The Registry is an immutable snapshot;
// refreshing means building a new one and swapping it in.
package period

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/rollbook/internal/record"
)

// Period is a named, bounded time window (an academic term). End is
// inclusive: a record dated exactly End still belongs to the period.
type Period struct {
	ID     string      `json:"id"`
	Name   string      `json:"name,omitempty"`
	Start  record.Date `json:"start"`
	End    record.Date `json:"end"`
	Locked bool        `json:"locked"`
	YearID string      `json:"year_id,omitempty"`
}

// Contains reports whether d falls inside the period's window.
func (p Period) Contains(d record.Date) bool {
	return p.Start <= d && d <= p.End
}

// Source supplies period definitions for one owner. The Registry built
// from it is a read-through snapshot with no invalidation of its own;
// staleness is bounded by how often the caller reloads.
type Source interface {
	ListPeriods(ctx context.Context, ownerID string) ([]Period, error)
}

// Registry is an immutable lookup table over non-overlapping periods.
// Safe for unsynchronized concurrent reads.
type Registry struct {
	periods []Period // sorted by Start
	byID    map[string]Period
}

// NewRegistry builds a Registry. Periods are sorted by start date;
// duplicate IDs, inverted windows and overlapping windows are rejected.
func NewRegistry(periods []Period) (*Registry, error) {
	sorted := make([]Period, len(periods))
	copy(sorted, periods)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	byID := make(map[string]Period, len(sorted))
	for i, p := range sorted {
		if p.ID == "" {
			return nil, fmt.Errorf("period %q has no id", p.Name)
		}
		if p.End < p.Start {
			return nil, fmt.Errorf("period %s: end %s before start %s", p.ID, p.End, p.Start)
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate period id %s", p.ID)
		}
		byID[p.ID] = p
		if i > 0 && p.Start <= sorted[i-1].End {
			return nil, fmt.Errorf("periods %s and %s overlap", sorted[i-1].ID, p.ID)
		}
	}

	return &Registry{periods: sorted, byID: byID}, nil
}

// Load builds a Registry from src.
func Load(ctx context.Context, src Source, ownerID string) (*Registry, error) {
	periods, err := src.ListPeriods(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	return NewRegistry(periods)
}

// IsMutable reports whether a record dated d may be changed.
//
// Resolution order: an explicit period id wins when it resolves; otherwise
// the period containing d decides; a date no period covers stays mutable,
// so entries predating the period system are never silently blocked.
func (r *Registry) IsMutable(d record.Date, explicitPeriodID string) bool {
	if p, ok := r.Resolve(d, explicitPeriodID); ok {
		return !p.Locked
	}
	return true
}

// Resolve returns the period governing a record dated d, preferring an
// explicit period id when it resolves. Records carry the resolved
// period's id; lock checks read its Locked flag.
func (r *Registry) Resolve(d record.Date, explicitPeriodID string) (Period, bool) {
	if explicitPeriodID != "" {
		if p, ok := r.byID[explicitPeriodID]; ok {
			return p, true
		}
	}
	return r.Containing(d)
}

// Containing returns the period whose window includes d.
func (r *Registry) Containing(d record.Date) (Period, bool) {
	// Windows never overlap, so the last period starting at or before d
	// is the only candidate.
	i := sort.Search(len(r.periods), func(i int) bool {
		return r.periods[i].Start > d
	})
	if i == 0 {
		return Period{}, false
	}
	if p := r.periods[i-1]; p.Contains(d) {
		return p, true
	}
	return Period{}, false
}

// ByID returns the period with the given id.
func (r *Registry) ByID(id string) (Period, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns the periods sorted by start date.
func (r *Registry) All() []Period {
	out := make([]Period, len(r.periods))
	copy(out, r.periods)
	return out
}

// Len returns the number of periods.
func (r *Registry) Len() int {
	return len(r.periods)
}

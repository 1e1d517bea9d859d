// Package calendar loads school-year calendars written in CUE and turns
// them into period definitions.
//
// A calendar file declares the year's terms with their lock state:
//
//	calendar: {
//		year: "2024-2025"
//		periods: [
//			{id: "2024-T1", name: "Autumn", start: "2024-09-02", end: "2024-12-20", locked: true},
//			{id: "2024-T2", name: "Spring", start: "2025-01-06", end: "2025-03-28"},
//		]
//	}
//
// Files unify with an embedded schema before extraction, so unknown
// fields, malformed dates and missing ids are rejected with file
// positions. Impossible dates are caught after extraction; window
// checks (overlap, ordering) run when the registry is built.
package calendar

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rollbook/internal/period"
	"github.com/roach88/rollbook/internal/record"
)

//go:embed schema.cue
var schemaSrc string

// Calendar is one loaded school-year calendar.
type Calendar struct {
	Year    string
	Owner   string
	Periods []period.Period
}

// Registry builds the period registry from the calendar. Overlapping
// windows and duplicate ids are rejected here.
func (c *Calendar) Registry() (*period.Registry, error) {
	return period.NewRegistry(c.Periods)
}

// ErrNotFound reports a calendar path that does not exist.
var ErrNotFound = errors.New("calendar not found")

// Load reads a calendar from path, which may be a single .cue file or a
// directory of them. Directory files build as one instance, so a school
// can keep each year in its own file.
func Load(path string) (*Calendar, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat calendar %s: %w", path, err)
	}

	// CUE resolves relative file arguments against load.Config.Dir;
	// absolute ones are taken as given.
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve calendar %s: %w", path, err)
	}

	var (
		files []string
		dir   string
	)
	if info.IsDir() {
		dir = abs
		files, err = findCUEFiles(abs)
		if err != nil {
			return nil, fmt.Errorf("scan calendar dir %s: %w", path, err)
		}
		if len(files) == 0 {
			return nil, &ParseError{Field: "calendar", Message: fmt.Sprintf("no .cue files in %s", path)}
		}
	} else {
		dir = filepath.Dir(abs)
		files = []string{abs}
	}

	instances := load.Instances(files, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &ParseError{Field: "calendar", Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile embedded calendar schema: %w", err)
	}

	unified := value.Unify(schema)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	return parseCalendar(unified)
}

// parseCalendar extracts the calendar struct from a schema-validated value.
func parseCalendar(v cue.Value) (*Calendar, error) {
	calVal := v.LookupPath(cue.ParsePath("calendar"))
	if !calVal.Exists() {
		return nil, &ParseError{
			Field:   "calendar",
			Message: "calendar section is required",
			Pos:     v.Pos(),
		}
	}

	cal := &Calendar{}
	var err error
	if cal.Year, err = optionalString(calVal, "year"); err != nil {
		return nil, err
	}
	if cal.Owner, err = optionalString(calVal, "owner"); err != nil {
		return nil, err
	}

	periodsVal := calVal.LookupPath(cue.ParsePath("periods"))
	if !periodsVal.Exists() {
		return nil, &ParseError{
			Field:   "calendar.periods",
			Message: "periods list is required",
			Pos:     calVal.Pos(),
		}
	}

	iter, err := periodsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		p, err := parsePeriod(iter.Value())
		if err != nil {
			return nil, err
		}
		if p.YearID == "" {
			p.YearID = cal.Year
		}
		cal.Periods = append(cal.Periods, p)
	}

	return cal, nil
}

// parsePeriod extracts one period entry.
func parsePeriod(v cue.Value) (period.Period, error) {
	var p period.Period

	id, err := v.LookupPath(cue.ParsePath("id")).String()
	if err != nil {
		return p, formatCUEError(err)
	}
	p.ID = id

	if p.Name, err = optionalString(v, "name"); err != nil {
		return p, err
	}
	if p.YearID, err = optionalString(v, "year"); err != nil {
		return p, err
	}

	if p.Start, err = dateField(v, "start"); err != nil {
		return p, err
	}
	if p.End, err = dateField(v, "end"); err != nil {
		return p, err
	}

	lockedVal := v.LookupPath(cue.ParsePath("locked"))
	if lockedVal.Exists() {
		locked, err := lockedVal.Bool()
		if err != nil {
			return p, formatCUEError(err)
		}
		p.Locked = locked
	}

	if p.End < p.Start {
		return p, &ParseError{
			Field:   "end",
			Message: fmt.Sprintf("period %s ends %s before it starts %s", p.ID, p.End, p.Start),
			Pos:     v.Pos(),
		}
	}

	return p, nil
}

// dateField reads a schema-shaped date string and checks it names a real
// calendar day; the schema regex cannot reject 2024-02-30.
func dateField(v cue.Value, field string) (record.Date, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	d, err := record.ParseDate(s)
	if err != nil {
		return "", &ParseError{Field: field, Message: err.Error(), Pos: fv.Pos()}
	}
	return d, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Source implements period.Source over a calendar path, re-reading the
// files on every call so an edited calendar takes effect on the next
// registry refresh.
type Source struct {
	path string
}

// NewSource creates a Source reading from path (file or directory).
func NewSource(path string) *Source {
	return &Source{path: path}
}

// ListPeriods loads the calendar and returns its periods. Calendar files
// live per teacher already, so ownerID only cross-checks an explicit
// owner declaration.
func (s *Source) ListPeriods(_ context.Context, ownerID string) ([]period.Period, error) {
	cal, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	if cal.Owner != "" && ownerID != "" && cal.Owner != ownerID {
		return nil, fmt.Errorf("calendar %s belongs to %s, not %s", s.path, cal.Owner, ownerID)
	}
	return cal.Periods, nil
}

// ParseError is a calendar load failure with source position.
type ParseError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ParseError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &ParseError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}

package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote/filestore"
	"github.com/roach88/rollbook/internal/workset"
)

// AssertionError is returned when an assertion fails. It includes
// expected and actual outcomes to make failures readable without
// rerunning.
type AssertionError struct {
	Type     string
	Key      string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s", e.Type)
	if e.Key != "" {
		fmt.Fprintf(&buf, " (%s)", e.Key)
	}
	fmt.Fprintf(&buf, "\n  expected: %s\n  actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// AssertionContext provides the final state assertions evaluate against.
type AssertionContext struct {
	Ctx       context.Context
	Set       *workset.Set
	Queue     *queue.Queue
	Server    *filestore.Store
	Conflicts []string
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns one message per failed assertion.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStoreState:
			err = assertStoreState(actx, assertion)
		case AssertStoreAbsent:
			err = assertStoreAbsent(actx, assertion)
		case AssertRemoteState:
			err = assertRemoteState(actx, assertion)
		case AssertRemoteAbsent:
			err = assertRemoteAbsent(actx, assertion)
		case AssertQueueCount:
			err = assertQueueCount(actx, assertion)
		case AssertQueueContains:
			err = assertQueueContains(actx, assertion)
		case AssertConflictCount:
			err = assertConflictCount(actx, assertion)
		default:
			err = fmt.Errorf("assertions[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertionKey builds the record key an assertion targets.
func assertionKey(a Assertion) (record.Key, error) {
	date, err := record.ParseDate(a.Date)
	if err != nil {
		return record.Key{}, fmt.Errorf("%s assertion: %w", a.Type, err)
	}
	return record.NewKey(a.Subject, date), nil
}

func assertStoreState(actx *AssertionContext, a Assertion) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}

	rec, ok := actx.Set.Get(key)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Key:      key.String(),
			Expected: fmt.Sprintf("record with %s", formatExpect(a.Expect)),
			Actual:   "not in working set",
		}
	}
	return matchRecord(a.Type, key, rec, a.Expect)
}

func assertStoreAbsent(actx *AssertionContext, a Assertion) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}

	if rec, ok := actx.Set.Get(key); ok {
		return &AssertionError{
			Type:     a.Type,
			Key:      key.String(),
			Expected: "no record in working set",
			Actual:   fmt.Sprintf("record present with status %q", rec.Status),
		}
	}
	return nil
}

func assertRemoteState(actx *AssertionContext, a Assertion) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}

	recs, err := actx.Server.Fetch(actx.Ctx, []record.Key{key})
	if err != nil {
		return fmt.Errorf("%s assertion: fetch: %w", a.Type, err)
	}
	if len(recs) == 0 {
		return &AssertionError{
			Type:     a.Type,
			Key:      key.String(),
			Expected: fmt.Sprintf("record with %s", formatExpect(a.Expect)),
			Actual:   "not on server",
		}
	}
	return matchRecord(a.Type, key, recs[0], a.Expect)
}

func assertRemoteAbsent(actx *AssertionContext, a Assertion) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}

	recs, err := actx.Server.Fetch(actx.Ctx, []record.Key{key})
	if err != nil {
		return fmt.Errorf("%s assertion: fetch: %w", a.Type, err)
	}
	if len(recs) > 0 {
		return &AssertionError{
			Type:     a.Type,
			Key:      key.String(),
			Expected: "no record on server",
			Actual:   fmt.Sprintf("record present with status %q", recs[0].Status),
		}
	}
	return nil
}

func assertQueueCount(actx *AssertionContext, a Assertion) error {
	n, err := actx.Queue.Len(actx.Ctx)
	if err != nil {
		return fmt.Errorf("%s assertion: %w", a.Type, err)
	}
	if n != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d queued ops", a.Count),
			Actual:   fmt.Sprintf("%d queued ops", n),
		}
	}
	return nil
}

func assertQueueContains(actx *AssertionContext, a Assertion) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}

	op, ok, err := actx.Queue.Get(actx.Ctx, key)
	if err != nil {
		return fmt.Errorf("%s assertion: %w", a.Type, err)
	}
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Key:      key.String(),
			Expected: "a queued op",
			Actual:   "nothing queued for key",
		}
	}
	if a.Kind != "" && string(op.Kind) != a.Kind {
		return &AssertionError{
			Type:     a.Type,
			Key:      key.String(),
			Expected: fmt.Sprintf("queued %s", a.Kind),
			Actual:   fmt.Sprintf("queued %s", op.Kind),
		}
	}
	return nil
}

func assertConflictCount(actx *AssertionContext, a Assertion) error {
	if len(actx.Conflicts) != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d conflict notices", a.Count),
			Actual:   fmt.Sprintf("%d notices: %v", len(actx.Conflicts), actx.Conflicts),
		}
	}
	return nil
}

// matchRecord checks expected fields against a record, subset semantics.
// Only the fields named in expect are compared.
func matchRecord(assertType string, key record.Key, rec record.Record, expect map[string]interface{}) error {
	fields := map[string]interface{}{
		"id":      rec.ID,
		"status":  string(rec.Status),
		"note":    rec.Note,
		"period":  rec.PeriodID,
		"pending": rec.Pending,
		"version": rec.Version,
	}

	// Sorted for deterministic failure order.
	names := make([]string, 0, len(expect))
	for name := range expect {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		actual, known := fields[name]
		if !known {
			return fmt.Errorf("%s assertion: unknown record field %q", assertType, name)
		}
		if !stateValuesEqual(expect[name], actual) {
			return &AssertionError{
				Type:     assertType,
				Key:      key.String(),
				Expected: fmt.Sprintf("%s = %v", name, expect[name]),
				Actual:   fmt.Sprintf("%s = %v", name, actual),
			}
		}
	}

	return nil
}

// formatExpect renders an expect map with sorted keys.
func formatExpect(expect map[string]interface{}) string {
	names := make([]string, 0, len(expect))
	for name := range expect {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, expect[name]))
	}
	return strings.Join(parts, " ")
}

// stateValuesEqual compares an expected value from YAML against an
// actual record field. YAML decodes integers as int while versions are
// int64, so numeric comparison coerces.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		actualStr, ok := actual.(string)
		return ok && exp == actualStr
	case bool:
		actualBool, ok := actual.(bool)
		return ok && exp == actualBool
	case int:
		switch act := actual.(type) {
		case int:
			return exp == act
		case int64:
			return int64(exp) == act
		}
		return false
	case int64:
		switch act := actual.(type) {
		case int:
			return exp == int64(act)
		case int64:
			return exp == act
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

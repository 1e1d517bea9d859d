package record

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Status is the attendance outcome for one subject on one date.
type Status string

const (
	StatusPresent Status = "present"
	StatusExcused Status = "excused"
	StatusSick    Status = "sick"
	StatusAbsent  Status = "absent"
	StatusHoliday Status = "holiday"
)

// ParseStatus validates s against the known status set.
// Input is case-insensitive and may carry surrounding whitespace.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPresent, StatusExcused, StatusSick, StatusAbsent, StatusHoliday:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q (want present, excused, sick, absent or holiday)", s)
}

// Date is a calendar day in ISO form, YYYY-MM-DD.
//
// Lexicographic order on Date equals chronological order, which period
// containment checks and queue ordering rely on.
type Date string

const dateLayout = "2006-01-02"

// ParseDate validates s as an ISO calendar day.
func ParseDate(s string) (Date, error) {
	if _, err := time.Parse(dateLayout, s); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(s), nil
}

// Today returns the current calendar day in local time.
func Today() Date {
	return Date(time.Now().Format(dateLayout))
}

func (d Date) String() string { return string(d) }

// Key identifies one logical record: one subject on one calendar day.
// Exactly one Record exists per Key in the working set at any time.
type Key struct {
	SubjectID string
	Date      Date
}

// NewKey builds a Key with the subject ID in canonical form, so the same
// student typed from different input methods maps to the same Key.
func NewKey(subjectID string, date Date) Key {
	return Key{SubjectID: NormalizeSubjectID(subjectID), Date: date}
}

// NormalizeSubjectID trims surrounding whitespace and applies NFC.
func NormalizeSubjectID(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func (k Key) String() string {
	return k.SubjectID + "@" + string(k.Date)
}

// Record is one subject's attendance entry for one date.
type Record struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Date      Date   `json:"date"`
	Status    Status `json:"status"`
	Note      string `json:"note,omitempty"`
	PeriodID  string `json:"period_id,omitempty"`

	// Version is the server-assigned write stamp (unix milliseconds).
	// Zero means the record has never been acknowledged by the remote store.
	Version int64 `json:"version,omitempty"`

	// Pending marks a local value not yet acknowledged by the remote store.
	// Local-only; never travels on the wire.
	Pending bool `json:"-"`
}

// Key returns the record's identity key.
func (r Record) Key() Key {
	return Key{SubjectID: r.SubjectID, Date: r.Date}
}

// Fields is a partial edit to a record. Nil pointers leave the existing
// value untouched.
type Fields struct {
	Status   *Status `json:"status,omitempty" validate:"omitempty,oneof=present excused sick absent holiday"`
	Note     *string `json:"note,omitempty" validate:"omitempty,max=500"`
	PeriodID *string `json:"period_id,omitempty"`
}

// Apply merges f into r and returns the result. Notes are NFC normalized
// on the way in, matching subject ID handling.
func (f Fields) Apply(r Record) Record {
	if f.Status != nil {
		r.Status = *f.Status
	}
	if f.Note != nil {
		r.Note = norm.NFC.String(*f.Note)
	}
	if f.PeriodID != nil {
		r.PeriodID = *f.PeriodID
	}
	return r
}

// PatchStatus is a convenience constructor for the common single-field edit.
func PatchStatus(s Status) Fields {
	return Fields{Status: &s}
}

// PatchNote builds a patch that sets only the note.
func PatchNote(note string) Fields {
	return Fields{Note: &note}
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rollbook/internal/record"
)

// Scenario defines one scripted run against the write engine: an initial
// server state, a sequence of edits and connectivity flips, and
// assertions on where every record ended up.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden traces are stored
	// under this name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Calendar is the path to the CUE calendar file defining grading
	// periods. Relative paths resolve against the scenario file location.
	Calendar string `yaml:"calendar"`

	// Online is the starting link state. Omitted means online.
	Online *bool `yaml:"online,omitempty"`

	// Seed lists records present on the server, and mirrored locally,
	// before the first step runs.
	Seed []SeedSpec `yaml:"seed,omitempty"`

	// Steps is the scripted flow, executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final working set, queue, and server state.
	Assertions []Assertion `yaml:"assertions"`
}

// StartOnline reports the starting link state, defaulting to online.
func (s *Scenario) StartOnline() bool {
	return s.Online == nil || *s.Online
}

// SeedSpec is one pre-existing attendance record.
type SeedSpec struct {
	Date    string `yaml:"date"`
	Subject string `yaml:"subject"`
	Status  string `yaml:"status"`
	Note    string `yaml:"note,omitempty"`
}

// Step is one scripted action. Op selects the action; the remaining
// fields carry its arguments.
type Step struct {
	// Op is the action type:
	//   - "submit": apply one edit through the engine
	//   - "submit_all": apply a bulk edit as one unit
	//   - "discard": remove one record
	//   - "connectivity": flip the link state
	//   - "sync": kick a queue drain and record its counts
	//   - "fail": script the remote to fail upcoming calls
	Op string `yaml:"op"`

	// Date and Subject identify the record (submit, discard).
	Date    string `yaml:"date,omitempty"`
	Subject string `yaml:"subject,omitempty"`

	// Edit fields (submit). Absent fields leave existing values alone.
	Status string  `yaml:"status,omitempty"`
	Note   *string `yaml:"note,omitempty"`
	Period string  `yaml:"period,omitempty"`

	// Edits lists the bulk edit members (submit_all).
	Edits []EditSpec `yaml:"edits,omitempty"`

	// Online is the new link state (connectivity).
	Online *bool `yaml:"online,omitempty"`

	// Target names the remote call to fail: "upsert", "delete", "fetch"
	// or "any" (fail). Mode classifies the scripted failure: "transient"
	// or "terminal". Times is how many calls fail; zero means one.
	Target string `yaml:"target,omitempty"`
	Mode   string `yaml:"mode,omitempty"`
	Times  int    `yaml:"times,omitempty"`

	// Expect validates the step's outcome. Nil skips validation.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EditSpec is one member of a bulk edit.
type EditSpec struct {
	Date    string  `yaml:"date"`
	Subject string  `yaml:"subject"`
	Status  string  `yaml:"status,omitempty"`
	Note    *string `yaml:"note,omitempty"`
	Period  string  `yaml:"period,omitempty"`
}

// ExpectClause specifies the expected result of a step.
//
// For write steps, exactly one of Outcome or Error applies: Outcome
// names how an accepted write settled, Error names why a write was
// refused. For sync steps the counter fields apply; nil counters are
// not checked.
type ExpectClause struct {
	// Outcome is "committed", "queued", "rolled_back" or "superseded".
	Outcome string `yaml:"outcome,omitempty"`

	// Error is "locked" or "validation".
	Error string `yaml:"error,omitempty"`

	// Drain counters (sync steps).
	Replayed  *int `yaml:"replayed,omitempty"`
	Dropped   *int `yaml:"dropped,omitempty"`
	Remaining *int `yaml:"remaining,omitempty"`
	Fetched   *int `yaml:"fetched,omitempty"`
}

// Assertion validates final state after all steps ran.
type Assertion struct {
	// Type specifies the assertion:
	//   - "store_state": working set holds the record with expected fields
	//   - "store_absent": working set has no record for the key
	//   - "remote_state": server holds the record with expected fields
	//   - "remote_absent": server has no record for the key
	//   - "queue_count": offline queue holds exactly Count ops
	//   - "queue_contains": an op for the key is queued, optionally of Kind
	//   - "conflict_count": exactly Count conflict notices fired
	Type string `yaml:"type"`

	// Date and Subject identify the record for per-key assertions.
	Date    string `yaml:"date,omitempty"`
	Subject string `yaml:"subject,omitempty"`

	// Expect contains expected record fields (store_state, remote_state).
	// Subset match: only listed fields are checked. Known fields are
	// id, status, note, period, pending, version.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Kind is the expected op kind for queue_contains: "upsert" or
	// "delete". Empty accepts either.
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected count (queue_count, conflict_count).
	Count int `yaml:"count,omitempty"`
}

// Step op constants.
const (
	OpSubmit    = "submit"
	OpSubmitAll = "submit_all"
	OpDiscard   = "discard"
	OpConnect   = "connectivity"
	OpSync      = "sync"
	OpFail      = "fail"
)

// Assertion type constants.
const (
	AssertStoreState    = "store_state"
	AssertStoreAbsent   = "store_absent"
	AssertRemoteState   = "remote_state"
	AssertRemoteAbsent  = "remote_absent"
	AssertQueueCount    = "queue_count"
	AssertQueueContains = "queue_contains"
	AssertConflictCount = "conflict_count"
)

// LoadScenario reads and parses a scenario YAML file. The calendar path
// is resolved relative to the scenario file. Returns an error if the
// file doesn't exist, is malformed, contains unknown fields (typos), or
// is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict parse catches typos like "asertions:" instead of "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Calendar != "" && !filepath.IsAbs(scenario.Calendar) {
		scenario.Calendar = filepath.Join(filepath.Dir(path), scenario.Calendar)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Calendar == "" {
		return fmt.Errorf("calendar is required")
	}
	if _, err := os.Stat(s.Calendar); os.IsNotExist(err) {
		return fmt.Errorf("calendar file not found: %s", s.Calendar)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, seed := range s.Seed {
		if err := validateSeed(&seed); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(&assertion); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateSeed(seed *SeedSpec) error {
	if _, err := record.ParseDate(seed.Date); err != nil {
		return err
	}
	if seed.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if _, err := record.ParseStatus(seed.Status); err != nil {
		return err
	}
	return nil
}

// validateStep validates a single step based on its op.
func validateStep(step *Step) error {
	if step.Op == "" {
		return fmt.Errorf("op is required")
	}

	switch step.Op {
	case OpSubmit, OpDiscard:
		if err := validateTarget(step.Date, step.Subject); err != nil {
			return err
		}
		if step.Op == OpSubmit && step.Status != "" {
			if _, err := record.ParseStatus(step.Status); err != nil {
				return err
			}
		}
	case OpSubmitAll:
		if len(step.Edits) == 0 {
			return fmt.Errorf("edits list is required for submit_all")
		}
		for i, edit := range step.Edits {
			if err := validateTarget(edit.Date, edit.Subject); err != nil {
				return fmt.Errorf("edits[%d]: %w", i, err)
			}
			if edit.Status != "" {
				if _, err := record.ParseStatus(edit.Status); err != nil {
					return fmt.Errorf("edits[%d]: %w", i, err)
				}
			}
		}
	case OpConnect:
		if step.Online == nil {
			return fmt.Errorf("online is required for connectivity")
		}
	case OpSync:
		// No arguments.
	case OpFail:
		switch step.Target {
		case "upsert", "delete", "fetch", "any":
		default:
			return fmt.Errorf("target must be upsert, delete, fetch or any, got %q", step.Target)
		}
		switch step.Mode {
		case "transient", "terminal":
		default:
			return fmt.Errorf("mode must be transient or terminal, got %q", step.Mode)
		}
		if step.Times < 0 {
			return fmt.Errorf("times must be non-negative")
		}
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	if step.Expect != nil {
		if err := validateExpect(step.Op, step.Expect); err != nil {
			return err
		}
	}

	return nil
}

func validateTarget(date, subject string) error {
	if _, err := record.ParseDate(date); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}

func validateExpect(op string, e *ExpectClause) error {
	if e.Outcome != "" && e.Error != "" {
		return fmt.Errorf("expect: outcome and error are mutually exclusive")
	}

	switch e.Outcome {
	case "", "committed", "queued", "rolled_back", "superseded":
	default:
		return fmt.Errorf("expect: unknown outcome %q", e.Outcome)
	}

	switch e.Error {
	case "", "locked", "validation":
	default:
		return fmt.Errorf("expect: unknown error %q", e.Error)
	}

	hasCounts := e.Replayed != nil || e.Dropped != nil || e.Remaining != nil || e.Fetched != nil
	if hasCounts && op != OpSync {
		return fmt.Errorf("expect: drain counters only apply to sync steps")
	}
	if (e.Outcome != "" || e.Error != "") && (op == OpSync || op == OpConnect || op == OpFail) {
		return fmt.Errorf("expect: outcome only applies to write steps")
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}

	switch a.Type {
	case AssertStoreState, AssertRemoteState:
		if err := validateTarget(a.Date, a.Subject); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for %s", a.Type)
		}
	case AssertStoreAbsent, AssertRemoteAbsent, AssertQueueContains:
		if err := validateTarget(a.Date, a.Subject); err != nil {
			return err
		}
		if a.Type == AssertQueueContains {
			switch a.Kind {
			case "", "upsert", "delete":
			default:
				return fmt.Errorf("kind must be upsert or delete, got %q", a.Kind)
			}
		}
	case AssertQueueCount, AssertConflictCount:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for %s", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	return nil
}

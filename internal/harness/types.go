package harness

// TraceEvent records one executed scenario step and its observable
// outcome. The sequence of events is the trace used for golden
// comparison.
type TraceEvent struct {
	Step int    `json:"step"`
	Op   string `json:"op"`

	// Key identifies the record a submit or discard targeted.
	Key string `json:"key,omitempty"`

	// Keys lists the records a submit_all targeted, in edit order.
	Keys []string `json:"keys,omitempty"`

	// Online is the link state a connectivity step switched to.
	Online *bool `json:"online,omitempty"`

	// Target and Mode describe a scripted remote failure.
	Target string `json:"target,omitempty"`
	Mode   string `json:"mode,omitempty"`

	// Outcome is how a write step finished: committed, queued,
	// rolled_back, superseded, or rejected for writes refused before
	// they applied.
	Outcome string `json:"outcome,omitempty"`

	// Reason carries the failure detail for rolled_back and rejected.
	Reason string `json:"reason,omitempty"`

	// Drain counters, set by sync steps.
	Replayed  int `json:"replayed,omitempty"`
	Dropped   int `json:"dropped,omitempty"`
	Remaining int `json:"remaining,omitempty"`
	Fetched   int `json:"fetched,omitempty"`

	// Queue is the offline queue depth after the step.
	Queue int `json:"queue"`
}

// OutcomeRejected marks a write the engine refused before applying it
// locally: a locked period or a validation failure. The working set is
// untouched for rejected writes.
const OutcomeRejected = "rejected"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists expect and assertion failures. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Conflicts lists the keys of writes dropped during drains, in the
	// order the notices fired.
	Conflicts []string `json:"conflicts,omitempty"`
}

// NewResult creates a passing result to accumulate into.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEvent{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

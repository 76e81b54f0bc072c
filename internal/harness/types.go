package harness

// Result is the outcome of a scenario run.
type Result struct {
	// Name is the scenario name.
	Name string `json:"name"`

	// Pass is true when every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	// Steps counts the steps that ran to their expected outcome.
	Steps int `json:"steps"`

	// Errors lists step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the final state of every touched record, keyed by
	// "backend" and by device. Nil when a step failed.
	Snapshot map[string]any `json:"snapshot,omitempty"`
}

// NewResult creates a passing result.
func NewResult(name string) *Result {
	return &Result{Name: name, Pass: true, Errors: []string{}}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

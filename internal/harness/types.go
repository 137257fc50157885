package harness

// TraceEvent records what the engine did during one step.
type TraceEvent struct {
	Step   int    `json:"step"` // 0 is engine start
	Action string `json:"action"`

	// Remote lists the operations the remote tree accepted during the step,
	// including the step's own remote_write or remote_remove.
	Remote []RemoteOp `json:"remote"`

	// Commits counts commit callbacks run by the engine.
	Commits int `json:"commits"`

	// Errors lists the kinds of sync errors reported, in order.
	Errors []string `json:"errors,omitempty"`
}

// RemoteOp is one accepted remote write or remove.
type RemoteOp struct {
	Op      string `json:"op"`
	Ref     string `json:"ref"`
	Key     string `json:"key"`
	Payload []byte `json:"payload,omitempty"` // canonical JSON; writes only
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion holds.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Commits returns the total number of commits across the trace.
func (r *Result) Commits() int {
	n := 0
	for _, ev := range r.Trace {
		n += ev.Commits
	}
	return n
}

package harness

// Step action names as they appear in the trace.
const (
	ActionBatch   = "batch"
	ActionIssue   = "issue"
	ActionAdvance = "advance"
	ActionWrite   = "write"
	ActionRemove  = "remove"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int           `json:"seq"`
	Step    string        `json:"step"`
	Action  string        `json:"action"`
	Results []TraceResult `json:"results,omitempty"`
	Changes []TraceChange `json:"changes,omitempty"`
}

// TraceResult is a dispatch result with issued tokens redacted, so traces
// stay readable and stable when the signing key changes.
type TraceResult struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
	Data     any    `json:"data,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
}

// TraceChange is the outcome of one applied file change.
type TraceChange struct {
	File    string `json:"file"`
	Outcome string `json:"outcome"`
	Version int64  `json:"version"`
}

// RedactedToken replaces issued tokens in traces.
const RedactedToken = "[token]"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`

	// Tokens maps issue step names to the tokens they obtained.
	Tokens map[string]string `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Tokens: make(map[string]string),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}

package harness

// Trace stages.
const (
	StageDispatch = "dispatch"
	StageExecute  = "execute"
	StageCallback = "callback"
)

// TraceEvent is one observable step of a computation's life.
type TraceEvent struct {
	Step      int    `json:"step"`
	Stage     string `json:"stage"`
	Kind      string `json:"kind"`
	RequestID uint64 `json:"request_id"`
	Seq       int64  `json:"seq,omitempty"`
	Status    string `json:"status,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
	// Nonce is the nonce written to a record or carried by a notification,
	// as a decimal u128.
	Nonce string `json:"nonce,omitempty"`
	// Audience names the client a notification is encrypted to.
	Audience string `json:"audience,omitempty"`
	// Value is the decrypted counter or notification value.
	Value string `json:"value,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every stage of every step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
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

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Add appends an event to the trace.
func (r *Result) Add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

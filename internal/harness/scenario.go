package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step calls.
const (
	CallAddTogether      = "add_together"
	CallInitCounter      = "init_counter"
	CallIncrementCounter = "increment_counter"
	CallGetCounter       = "get_counter"
	// CallDeliver executes a held computation, or re-sends a result that
	// was already delivered.
	CallDeliver = "deliver"
)

// Scenario defines an end-to-end run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RequiredSigners is stamped on every request. Default 1.
	RequiredSigners int `yaml:"required_signers,omitempty"`

	// Nodes is the number of registered cluster nodes. Default 1.
	Nodes int `yaml:"nodes,omitempty"`

	// RecordSerialization toggles in-flight markers. Default true.
	RecordSerialization *bool `yaml:"record_serialization,omitempty"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one program call or delivery.
type Step struct {
	Call string `yaml:"call"`
	ID   uint64 `yaml:"id"`

	// Kind selects the computation a deliver step targets.
	Kind string `yaml:"kind,omitempty"`

	// Client seals add_together inputs and receives the sum.
	Client string `yaml:"client,omitempty"`
	// Values are the two add_together inputs.
	Values []uint64 `yaml:"values,omitempty"`
	// Owner names the counter.
	Owner string `yaml:"owner,omitempty"`
	// Recipient receives the get_counter re-encryption.
	Recipient string `yaml:"recipient,omitempty"`
	// Nonce is the caller-chosen input nonce (add_together, init_counter,
	// and the recipient nonce for get_counter).
	Nonce uint64 `yaml:"nonce,omitempty"`

	Hold       bool `yaml:"hold,omitempty"`
	Abort      bool `yaml:"abort,omitempty"`
	Signatures *int `yaml:"signatures,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is what a step must produce. A step without an expect clause must
// succeed.
type Expect struct {
	// Error is the protocol error code, e.g. RECORD_IN_FLIGHT.
	Error string `yaml:"error,omitempty"`
	// Outcome is applied or aborted.
	Outcome string `yaml:"outcome,omitempty"`
	// Value is the decrypted counter (update_record) or notification value.
	Value *uint64 `yaml:"value,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Owner and Value are used by counter; Nonce optionally pins the
	// record's nonce.
	Owner string  `yaml:"owner,omitempty"`
	Value *uint64 `yaml:"value,omitempty"`
	Nonce *uint64 `yaml:"nonce,omitempty"`

	// Count is used by pending, notifications, resolutions and trace_count.
	Count int `yaml:"count"`

	// Stage, Kind and Error filter trace_count.
	Stage string `yaml:"stage,omitempty"`
	Kind  string `yaml:"kind,omitempty"`
	Error string `yaml:"error,omitempty"`
}

// Assertion type constants.
const (
	AssertCounter       = "counter"
	AssertPending       = "pending"
	AssertNotifications = "notifications"
	AssertResolutions   = "resolutions"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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
	if s.RequiredSigners < 0 {
		return fmt.Errorf("required_signers must be non-negative")
	}
	if s.Nodes < 0 {
		return fmt.Errorf("nodes must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.ID == 0 {
		return fmt.Errorf("id is required")
	}
	switch step.Call {
	case CallAddTogether:
		if step.Client == "" {
			return fmt.Errorf("client is required for add_together")
		}
		if len(step.Values) != 2 {
			return fmt.Errorf("add_together takes exactly 2 values, got %d", len(step.Values))
		}
	case CallInitCounter, CallIncrementCounter:
		if step.Owner == "" {
			return fmt.Errorf("owner is required for %s", step.Call)
		}
	case CallGetCounter:
		if step.Owner == "" || step.Recipient == "" {
			return fmt.Errorf("owner and recipient are required for get_counter")
		}
	case CallDeliver:
		if step.Kind == "" {
			return fmt.Errorf("kind is required for deliver")
		}
		if step.Hold {
			return fmt.Errorf("deliver cannot hold")
		}
	case "":
		return fmt.Errorf("call is required")
	default:
		return fmt.Errorf("unknown call %q", step.Call)
	}
	if step.Signatures != nil && *step.Signatures < 0 {
		return fmt.Errorf("signatures must be non-negative")
	}
	if step.Hold && (step.Abort || step.Signatures != nil) {
		return fmt.Errorf("a held step is shaped by the deliver step that releases it")
	}
	if e := step.Expect; e != nil && e.Outcome != "" && e.Outcome != "applied" && e.Outcome != "aborted" {
		return fmt.Errorf("expect.outcome must be applied or aborted, got %q", e.Outcome)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertCounter:
		if a.Owner == "" {
			return fmt.Errorf("owner is required for counter")
		}
		if a.Value == nil {
			return fmt.Errorf("value is required for counter")
		}
	case AssertPending, AssertNotifications, AssertResolutions:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for %s", a.Type)
		}
	case AssertTraceCount:
		if a.Stage == "" {
			return fmt.Errorf("stage is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlpoint/internal/config"
	"github.com/roach88/sqlpoint/internal/registry"
)

// Scenario defines an end-to-end run over a source tree.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sources maps a path relative to the source root to its SQL text.
	Sources map[string]string `yaml:"sources"`

	// Auth configures the gate. When nil an HS256 gate with a fixed secret
	// is used.
	Auth *AuthSetup `yaml:"auth,omitempty"`

	// Clock is the RFC 3339 start time of the manual clock.
	// Defaults to DefaultClock.
	Clock string `yaml:"clock,omitempty"`

	// Rows maps an endpoint name to the rows the fake database returns.
	Rows map[string][]map[string]any `yaml:"rows,omitempty"`

	// Failures maps an endpoint name to a database error message.
	Failures map[string]string `yaml:"failures,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// AuthSetup configures the scenario's gate.
type AuthSetup struct {
	// Disabled runs without a gate at all.
	Disabled      bool   `yaml:"disabled,omitempty"`
	Algorithm     string `yaml:"algorithm,omitempty"`
	Secret        string `yaml:"secret,omitempty"`
	SubjectPath   string `yaml:"subject_path,omitempty"`
	TokenLifetime string `yaml:"token_lifetime,omitempty"`
}

// Step is one action with optional expectations. Exactly one of Batch,
// Issue, Advance, Write or Remove is set.
type Step struct {
	Name string `yaml:"name"`

	Batch   []Call            `yaml:"batch,omitempty"`
	Issue   *Call             `yaml:"issue,omitempty"`
	Advance string            `yaml:"advance,omitempty"`
	Write   map[string]string `yaml:"write,omitempty"`
	Remove  []string          `yaml:"remove,omitempty"`

	// Token is presented with a batch: a literal token, or "@step" for
	// the token obtained by an earlier issue step.
	Token string `yaml:"token,omitempty"`

	// Expect is matched positionally against the step's results or file
	// changes. An empty list checks nothing.
	Expect []Expect `yaml:"expect,omitempty"`
}

// Call is one requested endpoint call.
type Call struct {
	Endpoint string         `yaml:"endpoint"`
	Payload  map[string]any `yaml:"payload,omitempty"`
}

// Expect describes one expected result or file change. Only the fields
// that are set are compared.
type Expect struct {
	Status          string `yaml:"status,omitempty"`
	Kind            string `yaml:"kind,omitempty"`
	MessageContains string `yaml:"message_contains,omitempty"`
	Data            any    `yaml:"data,omitempty"`
	// Null expects a success whose data is null, which Data cannot express.
	Null    bool   `yaml:"null,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion validates database calls or registry state after the run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Endpoint scopes db_calls and db_args. Empty counts every call.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Count is the expected number of calls (db_calls).
	Count int `yaml:"count,omitempty"`

	// Call is the 0-based index of the call (db_args).
	Call int `yaml:"call,omitempty"`

	// Args are the expected positional arguments (db_args).
	Args []any `yaml:"args,omitempty"`

	// Names are the expected published endpoint names (endpoints).
	Names []string `yaml:"names,omitempty"`

	// Version is the expected snapshot version (version).
	Version int64 `yaml:"version,omitempty"`

	// File and Code locate a diagnostic (diagnostic).
	File string `yaml:"file,omitempty"`
	Code string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertDBCalls    = "db_calls"
	AssertDBArgs     = "db_args"
	AssertEndpoints  = "endpoints"
	AssertVersion    = "version"
	AssertDiagnostic = "diagnostic"
)

// DefaultClock is the manual clock's start when a scenario sets none.
var DefaultClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

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
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
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
	if len(s.Sources) == 0 {
		return fmt.Errorf("sources map is required and must be non-empty")
	}
	for path := range s.Sources {
		if err := checkSourcePath(path); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Clock != "" {
		if _, err := time.Parse(time.RFC3339, s.Clock); err != nil {
			return fmt.Errorf("clock: %w", err)
		}
	}
	if s.Auth != nil && s.Auth.TokenLifetime != "" {
		if _, err := config.ParseDuration(s.Auth.TokenLifetime); err != nil {
			return fmt.Errorf("auth.token_lifetime: %w", err)
		}
	}

	names := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if err := validateStep(step, names); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.Name != "" {
			names[step.Name] = true
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks one step. seen holds the names of earlier steps, so
// a token reference can only point backwards.
func validateStep(step *Step, seen map[string]bool) error {
	if step.Name == "" {
		return fmt.Errorf("name is required")
	}
	if seen[step.Name] {
		return fmt.Errorf("duplicate step name %q", step.Name)
	}

	actions := 0
	if len(step.Batch) > 0 {
		actions++
	}
	if step.Issue != nil {
		actions++
	}
	if step.Advance != "" {
		actions++
	}
	if len(step.Write) > 0 || len(step.Remove) > 0 {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of batch, issue, advance or write/remove is required")
	}

	for i, c := range step.Batch {
		if c.Endpoint == "" {
			return fmt.Errorf("batch[%d]: endpoint is required", i)
		}
	}
	if step.Issue != nil && step.Issue.Endpoint == "" {
		return fmt.Errorf("issue: endpoint is required")
	}
	if step.Advance != "" {
		if _, err := config.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	for path := range step.Write {
		if err := checkSourcePath(path); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	for _, path := range step.Remove {
		if err := checkSourcePath(path); err != nil {
			return fmt.Errorf("remove: %w", err)
		}
	}

	if step.Token != "" && len(step.Batch) == 0 {
		return fmt.Errorf("token only applies to batch steps")
	}
	if ref, ok := strings.CutPrefix(step.Token, "@"); ok && !seen[ref] {
		return fmt.Errorf("token refers to unknown earlier step %q", ref)
	}

	if step.Advance != "" && len(step.Expect) > 0 {
		return fmt.Errorf("advance steps take no expectations")
	}
	for i, e := range step.Expect {
		isFile := len(step.Write) > 0 || len(step.Remove) > 0
		if isFile && (e.Status != "" || e.Kind != "" || e.Data != nil || e.Null || e.MessageContains != "") {
			return fmt.Errorf("expect[%d]: file steps only compare outcome", i)
		}
		if !isFile && e.Outcome != "" {
			return fmt.Errorf("expect[%d]: outcome only applies to write and remove", i)
		}
		if e.Null && e.Data != nil {
			return fmt.Errorf("expect[%d]: null and data are exclusive", i)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDBCalls:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for db_calls", index)
		}
	case AssertDBArgs:
		if a.Endpoint == "" {
			return fmt.Errorf("assertions[%d]: endpoint is required for db_args", index)
		}
		if a.Call < 0 {
			return fmt.Errorf("assertions[%d]: call must be non-negative for db_args", index)
		}
	case AssertEndpoints:
		// An empty names list asserts an empty registry.
	case AssertVersion:
		if a.Version <= 0 {
			return fmt.Errorf("assertions[%d]: version must be positive", index)
		}
	case AssertDiagnostic:
		if a.File == "" || a.Code == "" {
			return fmt.Errorf("assertions[%d]: file and code are required for diagnostic", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// checkSourcePath rejects paths that would escape the source root or that
// the registry would not pick up.
func checkSourcePath(path string) error {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("path %q must be relative to the source root", path)
	}
	if !registry.IsSource(clean) {
		return fmt.Errorf("path %q is not a %s file", path, registry.SourceExt)
	}
	return nil
}

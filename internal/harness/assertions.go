package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/sqlpoint/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes the trace so the failure can be read in context.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.Action, event.Step)
		for _, r := range event.Results {
			fmt.Fprintf(&buf, " %s=%s", r.Endpoint, r.Status)
		}
		for _, c := range event.Changes {
			fmt.Fprintf(&buf, " %s=%s", c.File, c.Outcome)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// evaluateAssertion dispatches to the checker for a.Type.
func (h *Harness) evaluateAssertion(a Assertion, trace []TraceEvent) error {
	switch a.Type {
	case AssertDBCalls:
		return assertDBCalls(h.db, a, trace)
	case AssertDBArgs:
		return assertDBArgs(h.db, a, trace)
	case AssertEndpoints:
		var names []string
		for _, ep := range h.reg.Snapshot().Endpoints() {
			names = append(names, ep.Name)
		}
		want := slices.Sorted(slices.Values(a.Names))
		if !slices.Equal(names, want) {
			return &AssertionError{
				Type:     AssertEndpoints,
				Expected: fmt.Sprintf("%v", want),
				Actual:   fmt.Sprintf("%v", names),
				Trace:    trace,
			}
		}
		return nil
	case AssertVersion:
		if got := h.reg.Snapshot().Version(); got != a.Version {
			return &AssertionError{
				Type:     AssertVersion,
				Expected: fmt.Sprintf("snapshot version %d", a.Version),
				Actual:   fmt.Sprintf("snapshot version %d", got),
				Trace:    trace,
			}
		}
		return nil
	case AssertDiagnostic:
		st := h.reg.Status()
		var codes []string
		for _, d := range st.Diagnostics[a.File] {
			if d.Code == a.Code {
				return nil
			}
			codes = append(codes, d.Code)
		}
		return &AssertionError{
			Type:     AssertDiagnostic,
			Expected: fmt.Sprintf("%s reports %s", a.File, a.Code),
			Actual:   fmt.Sprintf("%s reports %v", a.File, codes),
			Trace:    trace,
		}
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertDBCalls checks how many queries reached the database, for one
// endpoint or overall.
func assertDBCalls(db *testutil.FakeDB, a Assertion, trace []TraceEvent) error {
	got := db.CallCount()
	scope := "all endpoints"
	if a.Endpoint != "" {
		got = len(db.CallsFor(a.Endpoint))
		scope = a.Endpoint
	}
	if got != a.Count {
		return &AssertionError{
			Type:     AssertDBCalls,
			Expected: fmt.Sprintf("%d calls for %s", a.Count, scope),
			Actual:   fmt.Sprintf("%d calls", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertDBArgs checks the positional arguments of one recorded call.
// Values are compared by their JSON form, so a YAML 7 matches an int64 7.
func assertDBArgs(db *testutil.FakeDB, a Assertion, trace []TraceEvent) error {
	calls := db.CallsFor(a.Endpoint)
	if a.Call >= len(calls) {
		return &AssertionError{
			Type:     AssertDBArgs,
			Expected: fmt.Sprintf("call %d for %s", a.Call, a.Endpoint),
			Actual:   fmt.Sprintf("%d calls", len(calls)),
			Trace:    trace,
		}
	}

	got := calls[a.Call].Args
	want := a.Args
	if want == nil {
		want = []any{}
	}
	ok, err := sameJSON(want, got)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{
			Type:     AssertDBArgs,
			Expected: describe(want),
			Actual:   describe(got),
			Trace:    trace,
		}
	}
	return nil
}

// sameJSON reports whether a and b encode to the same JSON value.
func sameJSON(a, b any) (bool, error) {
	na, err := normalize(a)
	if err != nil {
		return false, err
	}
	nb, err := normalize(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(na, nb), nil
}

// normalize round-trips v through JSON, keeping numbers as json.Number.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

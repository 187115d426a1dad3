package harness

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/sqlpoint/internal/auth"
	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/config"
	"github.com/roach88/sqlpoint/internal/dispatch"
	"github.com/roach88/sqlpoint/internal/ir"
	"github.com/roach88/sqlpoint/internal/logger"
	"github.com/roach88/sqlpoint/internal/registry"
	"github.com/roach88/sqlpoint/internal/testutil"
)

// DefaultSecret signs tokens when a scenario configures no secret.
const DefaultSecret = "harness-secret-harness-secret-32"

// Harness holds the collaborators of one scenario run.
type Harness struct {
	root   string
	reg    *registry.Registry
	db     *testutil.FakeDB
	clock  *testutil.ManualClock
	disp   *dispatch.Dispatcher
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh source root that is removed afterwards.
// The manual clock and sequential token IDs make issued tokens
// reproducible. Run only returns an error when the scenario cannot be set
// up; failed expectations are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "sqlpoint-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create source root: %w", err)
	}
	defer os.RemoveAll(root)

	h, err := newHarness(root, scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	for _, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluateAssertion(a, result.Trace); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func newHarness(root string, scenario *Scenario) (*Harness, error) {
	h := &Harness{
		root:   root,
		db:     testutil.NewFakeDB(),
		logger: logger.Discard(),
	}

	for path, src := range scenario.Sources {
		if err := h.writeSource(path, src); err != nil {
			return nil, err
		}
	}
	h.reg = registry.New(root, compiler.DefaultOptions(), h.logger)
	if err := h.reg.Build(); err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	for name, rows := range scenario.Rows {
		out := make([]ir.Row, len(rows))
		for i, r := range rows {
			out[i] = ir.Row(r)
		}
		h.db.SetRows(name, out...)
	}
	for name, msg := range scenario.Failures {
		h.db.SetError(name, errors.New(msg))
	}

	start := DefaultClock
	if scenario.Clock != "" {
		t, err := time.Parse(time.RFC3339, scenario.Clock)
		if err != nil {
			return nil, fmt.Errorf("clock: %w", err)
		}
		start = t
	}
	h.clock = testutil.NewManualClock(start)

	gate, err := h.newGate(scenario.Auth)
	if err != nil {
		return nil, err
	}
	// A nil *auth.Gate must not reach the dispatcher as a non-nil interface.
	var g dispatch.Gate
	if gate != nil {
		g = gate
	}
	h.disp = dispatch.New(h.reg, h.db, g, dispatch.Options{Workers: 4, Logger: h.logger})
	return h, nil
}

func (h *Harness) newGate(setup *AuthSetup) (*auth.Gate, error) {
	if setup == nil {
		setup = &AuthSetup{}
	}
	if setup.Disabled {
		return nil, nil
	}

	cfg := auth.Config{
		Algorithm:   cmp.Or(setup.Algorithm, "HS256"),
		Secret:      []byte(cmp.Or(setup.Secret, DefaultSecret)),
		SubjectPath: setup.SubjectPath,
	}
	if setup.TokenLifetime != "" {
		d, err := config.ParseDuration(setup.TokenLifetime)
		if err != nil {
			return nil, fmt.Errorf("auth.token_lifetime: %w", err)
		}
		cfg.TokenLifetime = d
	}

	gate, err := auth.NewGate(cfg,
		auth.WithClock(h.clock),
		auth.WithIDGenerator(testutil.NewSequenceIDs("jti").Next))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}
	return gate, nil
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch {
	case len(step.Batch) > 0:
		token, err := resolveToken(step.Token, result.Tokens)
		if err != nil {
			return err
		}
		items := make([]dispatch.Item, len(step.Batch))
		for i, c := range step.Batch {
			items[i] = dispatch.Item{Endpoint: c.Endpoint, Payload: c.Payload}
		}
		results := h.disp.Dispatch(ctx, token, items)
		traced := traceResults(results)
		result.addEvent(TraceEvent{Step: step.Name, Action: ActionBatch, Results: traced})
		checkResults(step, traced, result)

	case step.Issue != nil:
		res := h.disp.Issue(ctx, dispatch.Item{Endpoint: step.Issue.Endpoint, Payload: step.Issue.Payload})
		if token, ok := res.Token(); ok {
			result.Tokens[step.Name] = token
		}
		traced := traceResults([]dispatch.Result{res})
		result.addEvent(TraceEvent{Step: step.Name, Action: ActionIssue, Results: traced})
		checkResults(step, traced, result)

	case step.Advance != "":
		d, err := config.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.addEvent(TraceEvent{Step: step.Name, Action: ActionAdvance})

	default:
		changes, err := h.applyFiles(step)
		if err != nil {
			return err
		}
		action := ActionWrite
		if len(step.Write) == 0 {
			action = ActionRemove
		}
		result.addEvent(TraceEvent{Step: step.Name, Action: action, Changes: changes})
		checkChanges(step, changes, result)
	}
	return nil
}

// applyFiles writes then removes files in path order and applies each one
// with Registry.Update.
func (h *Harness) applyFiles(step Step) ([]TraceChange, error) {
	var changes []TraceChange
	apply := func(path string) error {
		ch, err := h.reg.Update(path)
		if err != nil {
			return err
		}
		changes = append(changes, TraceChange{File: ch.File, Outcome: string(ch.Outcome), Version: ch.Version})
		return nil
	}

	for _, path := range sortedKeys(step.Write) {
		if err := h.writeSource(path, step.Write[path]); err != nil {
			return nil, err
		}
		if err := apply(path); err != nil {
			return nil, err
		}
	}
	for _, path := range slices.Sorted(slices.Values(step.Remove)) {
		if err := os.Remove(filepath.Join(h.root, filepath.FromSlash(path))); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err := apply(path); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

func (h *Harness) writeSource(path, src string) error {
	full := filepath.Join(h.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create source dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(src), 0o644); err != nil {
		return fmt.Errorf("failed to write source %s: %w", path, err)
	}
	return nil
}

func resolveToken(token string, tokens map[string]string) (string, error) {
	ref, ok := strings.CutPrefix(token, "@")
	if !ok {
		return token, nil
	}
	t, ok := tokens[ref]
	if !ok {
		return "", fmt.Errorf("step %q issued no token", ref)
	}
	return t, nil
}

func traceResults(results []dispatch.Result) []TraceResult {
	out := make([]TraceResult, len(results))
	for i, r := range results {
		tr := TraceResult{
			Status:   string(r.Status),
			Endpoint: r.Endpoint,
			Kind:     string(r.Kind),
			Message:  r.Message,
		}
		if _, ok := r.Token(); ok {
			tr.Data = RedactedToken
		} else {
			tr.Data = r.Data
		}
		out[i] = tr
	}
	return out
}

// checkResults matches step expectations positionally against results.
func checkResults(step Step, results []TraceResult, result *Result) {
	if len(step.Expect) == 0 {
		return
	}
	if len(step.Expect) != len(results) {
		result.AddError(fmt.Sprintf("step %q: expected %d results, got %d", step.Name, len(step.Expect), len(results)))
		return
	}
	for i, want := range step.Expect {
		got := results[i]
		prefix := fmt.Sprintf("step %q result[%d] (%s)", step.Name, i, got.Endpoint)
		if want.Status != "" && want.Status != got.Status {
			result.AddError(fmt.Sprintf("%s: status %q, want %q (%s)", prefix, got.Status, want.Status, got.Message))
		}
		if want.Kind != "" && want.Kind != got.Kind {
			result.AddError(fmt.Sprintf("%s: kind %q, want %q", prefix, got.Kind, want.Kind))
		}
		if want.MessageContains != "" && !strings.Contains(got.Message, want.MessageContains) {
			result.AddError(fmt.Sprintf("%s: message %q does not contain %q", prefix, got.Message, want.MessageContains))
		}
		if want.Null && got.Data != nil {
			result.AddError(fmt.Sprintf("%s: data %s, want null", prefix, describe(got.Data)))
		}
		if want.Data != nil {
			ok, err := sameJSON(want.Data, got.Data)
			switch {
			case err != nil:
				result.AddError(fmt.Sprintf("%s: %v", prefix, err))
			case !ok:
				result.AddError(fmt.Sprintf("%s: data %s, want %s", prefix, describe(got.Data), describe(want.Data)))
			}
		}
	}
}

func checkChanges(step Step, changes []TraceChange, result *Result) {
	if len(step.Expect) == 0 {
		return
	}
	if len(step.Expect) != len(changes) {
		result.AddError(fmt.Sprintf("step %q: expected %d changes, got %d", step.Name, len(step.Expect), len(changes)))
		return
	}
	for i, want := range step.Expect {
		if want.Outcome != "" && want.Outcome != changes[i].Outcome {
			result.AddError(fmt.Sprintf("step %q change[%d] (%s): outcome %q, want %q",
				step.Name, i, changes[i].File, changes[i].Outcome, want.Outcome))
		}
	}
}

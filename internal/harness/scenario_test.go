package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: valid
description: a scenario that passes validation
sources:
  ping.sql: |
    -- @endpoint ping
    SELECT 1
clock: 2025-01-01T00:00:00Z
steps:
  - name: ping
    batch: [{endpoint: ping}]
`

func TestLoadScenario_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "valid", s.Name)
	assert.Contains(t, s.Sources, "ping.sql")
	require.Len(t, s.Steps, 1)
	assert.Equal(t, "ping", s.Steps[0].Batch[0].Endpoint)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(validScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	const src = "sources:\n  ping.sql: \"-- @endpoint ping\\nSELECT 1\\n\"\n"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no name", "description: d\n" + src + "steps: [{name: a, advance: 1s}]\n", "name is required"},
		{"no description", "name: n\n" + src + "steps: [{name: a, advance: 1s}]\n", "description is required"},
		{"no sources", "name: n\ndescription: d\nsteps: [{name: a, advance: 1s}]\n", "sources map is required"},
		{"escaping source", "name: n\ndescription: d\nsources: {../x.sql: s}\nsteps: [{name: a, advance: 1s}]\n", "relative to the source root"},
		{"non sql source", "name: n\ndescription: d\nsources: {x.txt: s}\nsteps: [{name: a, advance: 1s}]\n", "not a .sql file"},
		{"no steps", "name: n\ndescription: d\n" + src, "steps list is required"},
		{"bad clock", "name: n\ndescription: d\nclock: noon\n" + src + "steps: [{name: a, advance: 1s}]\n", "clock"},
		{"bad lifetime", "name: n\ndescription: d\nauth: {token_lifetime: soon}\n" + src + "steps: [{name: a, advance: 1s}]\n", "token_lifetime"},
		{"unnamed step", "name: n\ndescription: d\n" + src + "steps: [{advance: 1s}]\n", "steps[0]: name is required"},
		{"duplicate step", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: 1s}, {name: a, advance: 1s}]\n", "duplicate step name"},
		{"no action", "name: n\ndescription: d\n" + src + "steps: [{name: a}]\n", "exactly one of"},
		{"two actions", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: 1s, batch: [{endpoint: ping}]}]\n", "exactly one of"},
		{"empty endpoint", "name: n\ndescription: d\n" + src + "steps: [{name: a, batch: [{payload: {}}]}]\n", "batch[0]: endpoint is required"},
		{"bad advance", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: later}]\n", "advance"},
		{"forward token ref", "name: n\ndescription: d\n" + src + "steps: [{name: a, token: '@b', batch: [{endpoint: ping}]}, {name: b, issue: {endpoint: ping}}]\n", "unknown earlier step"},
		{"token on issue", "name: n\ndescription: d\n" + src + "steps: [{name: a, token: t, issue: {endpoint: ping}}]\n", "only applies to batch"},
		{"outcome on batch", "name: n\ndescription: d\n" + src + "steps: [{name: a, batch: [{endpoint: ping}], expect: [{outcome: published}]}]\n", "outcome only applies"},
		{"status on write", "name: n\ndescription: d\n" + src + "steps: [{name: a, write: {b.sql: s}, expect: [{status: success}]}]\n", "only compare outcome"},
		{"null with data", "name: n\ndescription: d\n" + src + "steps: [{name: a, batch: [{endpoint: ping}], expect: [{null: true, data: 1}]}]\n", "exclusive"},
		{"unknown assertion", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: 1s}]\nassertions: [{type: trace_contains}]\n", "unknown assertion type"},
		{"db_args without endpoint", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: 1s}]\nassertions: [{type: db_args}]\n", "endpoint is required for db_args"},
		{"diagnostic without code", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: 1s}]\nassertions: [{type: diagnostic, file: ping.sql}]\n", "file and code"},
		{"zero version", "name: n\ndescription: d\n" + src + "steps: [{name: a, advance: 1s}]\nassertions: [{type: version}]\n", "version must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioFiles runs every scenario in testdata and compares its trace
// with testdata/golden/<name>.golden.
func TestScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "scenario name should match its file name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalSnapshotIsStable(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "login_then_notes.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.NotContains(t, string(a), "eyJ", "issued tokens should be redacted")
	assert.Contains(t, string(a), RedactedToken)
}

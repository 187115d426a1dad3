package compiler

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// TestCompileGolden compiles every file under testdata/sources and compares
// the endpoint JSON (hash blanked) with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/compiler -run TestCompileGolden -update
func TestCompileGolden(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "sources", "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), ".sql")
		t.Run(name, func(t *testing.T) {
			src, err := os.ReadFile(path)
			require.NoError(t, err)

			ep, diags := Compile(filepath.Base(path), string(src), DefaultOptions())
			require.Empty(t, diags)
			require.Len(t, ep.Hash, 64)
			ep.Hash = ""

			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			require.NoError(t, enc.Encode(ep))

			g.Assert(t, name, buf.Bytes())
		})
	}
}

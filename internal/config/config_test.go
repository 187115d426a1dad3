package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlpoint/internal/compiler"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil, env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.AuthEnabled())
}

func TestParseOverridesDefaults(t *testing.T) {
	doc := `
source:
  root: queries
  debounce: 250ms
  unused_params: warn
database:
  driver: sqlite
  url: app.db
  max_conns: 4
auth:
  algorithm: HS256
  secret_key_base64: c2VjcmV0
  token_lifetime: 7d
  subject_path: $.user.id
server:
  max_batch: 8
cookie:
  secure: false
  same_site: strict
cors:
  allowed_origins:
    - https://app.example.com
dispatch:
  workers: 2
  item_timeout: 5
log:
  format: json
  level: debug
`
	cfg, err := Parse([]byte(doc), env(nil))
	require.NoError(t, err)

	assert.Equal(t, "queries", cfg.Source.Root)
	assert.Equal(t, 250*time.Millisecond, cfg.Source.Debounce.Std())
	assert.Equal(t, compiler.UnusedParamsWarn, cfg.Source.UnusedParams)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, int32(4), cfg.Database.MaxConns)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.TokenLifetime.Std())
	assert.Equal(t, 8, cfg.Server.MaxBatch)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Cookie.Secure)
	assert.True(t, cfg.Cookie.HTTPOnly)
	assert.Equal(t, "strict", cfg.Cookie.SameSite)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.ItemTimeout.Std())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.AuthEnabled())
}

func TestParseFromEnv(t *testing.T) {
	doc := `
database:
  url: {from_env: $DATABASE_URL}
  max_conns: {from_env: $MAX_CONNS, default: 3}
server:
  addr: {from_env: $ADDR, default: ":9000"}
`
	cfg, err := Parse([]byte(doc), env(map[string]string{
		"DATABASE_URL": "postgres://localhost/app",
		"MAX_CONNS":    "25",
	}))
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", cfg.Database.URL)
	assert.Equal(t, int32(25), cfg.Database.MaxConns)
	assert.Equal(t, ":9000", cfg.Server.Addr)

	cfg, err = Parse([]byte(doc), env(map[string]string{"DATABASE_URL": "x"}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), cfg.Database.MaxConns)
}

func TestParseFromEnvMissing(t *testing.T) {
	_, err := Parse([]byte("database:\n  url: {from_env: $NOPE}\n"), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOPE")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown section", "bogus: 1\n", "schema"},
		{"unknown field", "server:\n  port: 80\n", "schema"},
		{"bad driver", "database:\n  driver: mysql\n", "schema"},
		{"bad algorithm", "auth:\n  algorithm: none\n", "schema"},
		{"bad duration", "source:\n  debounce: soon\n", "schema"},
		{"zero workers", "dispatch:\n  workers: 0\n", "schema"},
		{"hmac without secret", "auth:\n  algorithm: HS256\n", "secret_key"},
		{"two secrets", "auth:\n  algorithm: HS256\n  secret_key_base64: eA==\n  secret_key_from_file: k\n", "only one"},
		{"bad subject path", "auth:\n  subject_path: user.id\n", "schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), env(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSchemaErrorType(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: loud\n"), env(nil))
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.NotEmpty(t, se.Details)
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secret.key")
	require.NoError(t, os.WriteFile(secret, []byte("top-secret\n"), 0o600))

	doc := `
source:
  root: sql
database:
  driver: sqlite
  url: data/app.db
auth:
  algorithm: HS512
  secret_key_from_file: secret.key
`
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, filepath.Join(dir, "sql"), cfg.Source.Root)
	assert.Equal(t, filepath.Join(dir, "data", "app.db"), cfg.Database.URL)
	assert.Equal(t, secret, cfg.Auth.SecretKeyFromFile)

	gc, err := cfg.Auth.GateConfig()
	require.NoError(t, err)
	assert.Equal(t, "HS512", gc.Algorithm)
	assert.Equal(t, []byte("top-secret"), gc.Secret)
	assert.Equal(t, 24*time.Hour, gc.TokenLifetime)
}

func TestLoadKeepsMemoryURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\n  url: \":memory:\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Database.URL)
}

func TestGateConfigBase64(t *testing.T) {
	cfg := Default().Auth
	cfg.Algorithm = "HS256"
	cfg.SecretKeyBase64 = "c2VjcmV0"
	gc, err := cfg.GateConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), gc.Secret)

	cfg.SecretKeyBase64 = "%%%"
	_, err = cfg.GateConfig()
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	path := filepath.Join(root, FileName)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	got, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = Find(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"0":     0,
		"150ms": 150 * time.Millisecond,
		"1h30m": 90 * time.Minute,
		"45":    45 * time.Second,
		"2d":    48 * time.Hour,
		"1M":    30 * 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDuration("later")
	assert.Error(t, err)
}

package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlpoint/internal/config"
	"github.com/roach88/sqlpoint/internal/store"
)

// newProject writes a config, a source tree and a seeded SQLite database.
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeSource(t, dir, "sql/get_user.sql",
		"-- @endpoint get_user\n-- @returns one\nSELECT id, email FROM users WHERE id = @uid::INT8\n")
	writeSource(t, dir, "sql/login.sql",
		"-- @endpoint login\n-- @auth issue 1h\nSELECT id FROM users WHERE email = @email::TEXT\n")
	writeSource(t, dir, "sql/my_notes.sql",
		"-- @endpoint my_notes\n-- @auth verify\nSELECT body FROM notes WHERE owner = @auth_subject::TEXT ORDER BY body\n")

	secret := base64.StdEncoding.EncodeToString([]byte("cli-test-secret-cli-test-secret!"))
	writeSource(t, dir, config.FileName, `
source:
  root: sql
database:
  driver: sqlite
  url: app.db
auth:
  algorithm: HS256
  secret_key_base64: `+secret+`
`)

	st, err := store.OpenSQLite(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	_, err = st.DB().Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL);
		CREATE TABLE notes (owner TEXT NOT NULL, body TEXT NOT NULL);
		INSERT INTO users (id, email) VALUES (1, 'ann@example.com'), (2, 'bob@example.com');
		INSERT INTO notes (owner, body) VALUES ('1', 'first'), ('1', 'second'), ('2', 'other');
	`)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return dir
}

type runResponse struct {
	Status string `json:"status"`
	Data   struct {
		Status string          `json:"status"`
		Kind   string          `json:"kind"`
		Data   json.RawMessage `json:"data"`
	} `json:"data"`
}

func execRun(t *testing.T, dir string, args ...string) (runResponse, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"run", "-c", filepath.Join(dir, config.FileName), "--format", "json"}, args...))

	err := cmd.Execute()
	var resp runResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	return resp, err
}

func TestRunQuery(t *testing.T) {
	dir := newProject(t)

	resp, err := execRun(t, dir, "get_user", "uid=2")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "success", resp.Data.Status)
	assert.JSONEq(t, `{"id":2,"email":"bob@example.com"}`, string(resp.Data.Data))
}

func TestRunCardinalityFailure(t *testing.T) {
	dir := newProject(t)

	resp, err := execRun(t, dir, "get_user", "uid=99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "cardinality_mismatch", resp.Data.Kind)
}

func TestRunMissingParameter(t *testing.T) {
	dir := newProject(t)

	resp, err := execRun(t, dir, "get_user")
	require.Error(t, err)
	assert.Equal(t, "missing_parameter", resp.Data.Kind)
}

func TestRunLoginThenVerify(t *testing.T) {
	dir := newProject(t)

	resp, err := execRun(t, dir, "login", "email=ann@example.com")
	require.NoError(t, err)
	var token string
	require.NoError(t, json.Unmarshal(resp.Data.Data, &token))
	require.NotEmpty(t, token)

	resp, err = execRun(t, dir, "my_notes")
	require.Error(t, err)
	assert.Equal(t, "auth", resp.Data.Kind)

	resp, err = execRun(t, dir, "my_notes", "--token", token)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"body":"first"},{"body":"second"}]`, string(resp.Data.Data))
}

func TestRunMultipleStatementsAndPeek(t *testing.T) {
	dir := newProject(t)
	writeSource(t, dir, "sql/add_note.sql", "-- @endpoint add_note\n-- @returns one\n"+
		"INSERT INTO notes (owner, body) VALUES (@owner::TEXT, @body::TEXT);\n"+
		"SELECT count(*) AS n FROM notes WHERE owner = @owner;\n")

	for range 2 {
		resp, err := execRun(t, dir, "add_note", "owner=carol", "body=draft", "--peek")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(resp.Data.Data), "peek must not keep the insert")
	}

	resp, err := execRun(t, dir, "add_note", "owner=carol", "body=kept")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(resp.Data.Data))
	resp, err = execRun(t, dir, "add_note", "owner=carol", "body=kept again")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(resp.Data.Data))
}

func TestRunMissingConfig(t *testing.T) {
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"run", "-c", filepath.Join(t.TempDir(), config.FileName), "get_user"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload([]string{
		"uid=7",
		"email=a@b.c",
		"ratio=0.5",
		"flag=true",
		"doc={\"a\":1}",
		"tags=[1,2]",
		"blank=",
		"quoted=\"7\"",
		"mixed=7 days",
	})
	require.NoError(t, err)
	assert.Equal(t, json.Number("7"), payload["uid"])
	assert.Equal(t, "a@b.c", payload["email"])
	assert.Equal(t, json.Number("0.5"), payload["ratio"])
	assert.Equal(t, true, payload["flag"])
	assert.Equal(t, map[string]any{"a": json.Number("1")}, payload["doc"])
	assert.Equal(t, []any{json.Number("1"), json.Number("2")}, payload["tags"])
	assert.Equal(t, "", payload["blank"])
	assert.Equal(t, "7", payload["quoted"])
	assert.Equal(t, "7 days", payload["mixed"])

	_, err = parsePayload([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePayload([]string{"a=1", "a=2"})
	assert.Error(t, err)
}

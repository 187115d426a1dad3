package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlpoint/internal/auth"
	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/ir"
	"github.com/roach88/sqlpoint/internal/registry"
	"github.com/roach88/sqlpoint/internal/testutil"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	srcGetUser = "-- @endpoint get_user\n-- @param uid\n-- @returns one\nSELECT * FROM users WHERE id = @uid::INT8\n"
	srcList    = "-- @endpoint list_users\nSELECT * FROM users\n"
	srcFind    = "-- @endpoint find_user\n-- @returns optional\nSELECT * FROM users WHERE email = @email::TEXT\n"
	srcNotes   = "-- @endpoint my_notes\n-- @auth verify 1h\nSELECT * FROM notes WHERE owner = @auth_subject::TEXT AND tag = @tag::TEXT\n"
	srcLogin   = "-- @endpoint login\n-- @auth issue 2h\nSELECT id FROM users WHERE email = @email::TEXT\n"
	srcSearch  = "-- @endpoint search\nSELECT * FROM t WHERE a = @n::INT8 AND b = @f::FLOAT8 AND c = @doc::JSONB AND d = @flag::BOOL AND e = @s::TEXT\n"
)

type fixture struct {
	reg   *registry.Registry
	root  string
	db    *testutil.FakeDB
	gate  *auth.Gate
	clock *testutil.ManualClock
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(src), 0o644))
	}
	reg := registry.New(root, compiler.DefaultOptions(), nil)
	require.NoError(t, reg.Build())
	require.Empty(t, reg.Status().Diagnostics)

	clock := testutil.NewManualClock(epoch)
	gate, err := auth.NewGate(auth.Config{Algorithm: "HS256", Secret: []byte("test-secret-test-secret-test-sec")},
		auth.WithClock(clock))
	require.NoError(t, err)

	return &fixture{reg: reg, root: root, db: testutil.NewFakeDB(), gate: gate, clock: clock}
}

func (f *fixture) dispatcher(opts Options) *Dispatcher {
	return New(f.reg, f.db, f.gate, opts)
}

func defaultFiles() map[string]string {
	return map[string]string{
		"get_user.sql":   srcGetUser,
		"list_users.sql": srcList,
		"find_user.sql":  srcFind,
		"my_notes.sql":   srcNotes,
		"login.sql":      srcLogin,
		"search.sql":     srcSearch,
	}
}

func TestDispatchUnknownEndpointKeepsOrder(t *testing.T) {
	f := newFixture(t, defaultFiles())
	f.db.SetRows("list_users", ir.Row{"id": int64(1)})

	results := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{
		{Endpoint: "list_users"},
		{Endpoint: "missing"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, "list_users", results[0].Endpoint)
	assert.Equal(t, []ir.Row{{"id": int64(1)}}, results[0].Data)

	assert.Equal(t, StatusError, results[1].Status)
	assert.Equal(t, KindUnknownEndpoint, results[1].Kind)
	assert.Equal(t, `unknown endpoint "missing"`, results[1].Message)
	assert.Equal(t, 1, f.db.CallCount())
}

func TestDispatchAfterNameCollision(t *testing.T) {
	f := newFixture(t, map[string]string{"a.sql": "-- @endpoint a\nSELECT 1\n"})
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "b.sql"), []byte("-- @endpoint a\nSELECT 2\n"), 0o644))
	change, err := f.reg.Update("b.sql")
	require.NoError(t, err)
	require.Equal(t, registry.OutcomeRejected, change.Outcome)

	results := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{{Endpoint: "a"}})
	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, "SELECT 1", mustEndpoint(t, f, "a").Body)
}

func mustEndpoint(t *testing.T, f *fixture, name string) *ir.Endpoint {
	t.Helper()
	ep, ok := f.reg.Snapshot().Lookup(name)
	require.True(t, ok)
	return ep
}

func TestVerifyWithoutTokenSkipsDatabase(t *testing.T) {
	f := newFixture(t, defaultFiles())

	results := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{
		{Endpoint: "my_notes", Payload: map[string]any{"tag": "x"}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, KindAuth, results[0].Kind)
	ae, ok := auth.AsError(results[0].Err)
	require.True(t, ok)
	assert.Equal(t, auth.KindMissing, ae.Kind)
	assert.Equal(t, 0, f.db.CallCount())
}

func TestVerifyBindsSubject(t *testing.T) {
	f := newFixture(t, defaultFiles())
	token, err := f.gate.Issue(ir.Row{"id": "user-1"}, time.Hour)
	require.NoError(t, err)

	results := f.dispatcher(Options{}).Dispatch(context.Background(), token, []Item{
		{Endpoint: "my_notes", Payload: map[string]any{"tag": "work", "auth_subject": "someone-else"}},
	})

	require.Equal(t, StatusSuccess, results[0].Status, results[0].Message)
	calls := f.db.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"user-1", "work"}, calls[0].Args)
}

func TestVerifyMaxAgeFromDirective(t *testing.T) {
	f := newFixture(t, defaultFiles())
	token, err := f.gate.Issue(ir.Row{"id": "user-1"}, 24*time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	results := f.dispatcher(Options{}).Dispatch(context.Background(), token, []Item{
		{Endpoint: "my_notes", Payload: map[string]any{"tag": "work"}},
	})

	assert.Equal(t, KindAuth, results[0].Kind)
	assert.True(t, auth.IsExpired(results[0].Err))
	assert.Equal(t, 0, f.db.CallCount())
}

func TestMissingParameter(t *testing.T) {
	f := newFixture(t, defaultFiles())

	results := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{
		{Endpoint: "get_user", Payload: map[string]any{"other": 1}},
		{Endpoint: "get_user", Payload: map[string]any{"uid": nil}},
	})

	assert.Equal(t, KindMissingParameter, results[0].Kind)
	assert.Equal(t, "uid", results[0].Param)
	assert.Contains(t, results[0].Message, `missing parameter "uid"`)

	// null is present; the fake returns no rows so the one-row contract fails.
	assert.Equal(t, KindCardinality, results[1].Kind)
	require.Equal(t, 1, f.db.CallCount())
	assert.Equal(t, []any{nil}, f.db.Calls()[0].Args)
}

func TestInvalidParameter(t *testing.T) {
	f := newFixture(t, defaultFiles())

	results := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{
		{Endpoint: "get_user", Payload: map[string]any{"uid": json.Number("1e999")}},
		{Endpoint: "get_user", Payload: map[string]any{"uid": struct{}{}}},
	})

	for _, res := range results {
		assert.Equal(t, KindInvalidParameter, res.Kind)
		assert.Equal(t, "uid", res.Param)
		assert.Contains(t, res.Message, `invalid parameter "uid"`)
		assert.NotContains(t, res.Message, "missing")
	}
	assert.Contains(t, results[0].Message, "out of range")
	assert.Contains(t, results[1].Message, "unsupported value type struct {}")
	assert.Equal(t, 0, f.db.CallCount())
}

func TestBindConversions(t *testing.T) {
	f := newFixture(t, defaultFiles())

	var payload map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"n": 5, "f": 1.5, "doc": {"k": [1, 2]}, "flag": true, "s": "x", "extra": 1}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&payload))

	results := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{{Endpoint: "search", Payload: payload}})
	require.Equal(t, StatusSuccess, results[0].Status, results[0].Message)

	args := f.db.Calls()[0].Args
	assert.Equal(t, []any{int64(5), 1.5, `{"k":[1,2]}`, true, "x"}, args)
}

func TestBindValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{json.Number("42"), int64(42)},
		{json.Number("2.0"), int64(2)},
		{json.Number("2.5"), 2.5},
		{float64(7), int64(7)},
		{0.25, 0.25},
		{[]any{"a", 1.0}, `["a",1]`},
		{nil, nil},
		{"s", "s"},
		{false, false},
	}
	for _, tt := range tests {
		got, err := bindValue(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := bindValue(struct{}{})
	assert.Error(t, err)
}

func TestCardinality(t *testing.T) {
	f := newFixture(t, defaultFiles())
	d := f.dispatcher(Options{})
	ctx := context.Background()
	one := ir.Row{"id": int64(1)}
	two := ir.Row{"id": int64(2)}

	// one
	f.db.SetRows("get_user", one)
	r := d.Dispatch(ctx, "", []Item{{Endpoint: "get_user", Payload: map[string]any{"uid": 1}}})[0]
	assert.Equal(t, one, r.Data)

	f.db.SetRows("get_user")
	r = d.Dispatch(ctx, "", []Item{{Endpoint: "get_user", Payload: map[string]any{"uid": 1}}})[0]
	assert.Equal(t, KindCardinality, r.Kind)

	// optional
	r = d.Dispatch(ctx, "", []Item{{Endpoint: "find_user", Payload: map[string]any{"email": "e"}}})[0]
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Nil(t, r.Data)

	f.db.SetRows("find_user", one, two)
	r = d.Dispatch(ctx, "", []Item{{Endpoint: "find_user", Payload: map[string]any{"email": "e"}}})[0]
	assert.Equal(t, KindCardinality, r.Kind)
	assert.Contains(t, r.Message, "at most one row, got 2 rows")

	// many, empty
	r = d.Dispatch(ctx, "", []Item{{Endpoint: "list_users"}})[0]
	assert.Equal(t, []ir.Row{}, r.Data)
}

func TestIssue(t *testing.T) {
	f := newFixture(t, defaultFiles())
	f.db.SetRows("login", ir.Row{"id": "user-9"})
	d := f.dispatcher(Options{})

	r := d.Issue(context.Background(), Item{Endpoint: "login", Payload: map[string]any{"email": "a@b.c"}})
	require.Equal(t, StatusSuccess, r.Status, r.Message)
	token, ok := r.Token()
	require.True(t, ok)

	sub, err := f.gate.Verify(token, 0)
	require.NoError(t, err)
	assert.Equal(t, "user-9", sub)

	// The directive lifetime (2h) applies.
	f.clock.Advance(2*time.Hour + time.Second)
	_, err = f.gate.Verify(token, 0)
	assert.True(t, auth.IsExpired(err))
}

func TestIssueFailures(t *testing.T) {
	f := newFixture(t, defaultFiles())
	d := f.dispatcher(Options{})
	ctx := context.Background()

	r := d.Issue(ctx, Item{Endpoint: "list_users"})
	assert.Equal(t, KindWrongMode, r.Kind)

	r = d.Issue(ctx, Item{Endpoint: "nope"})
	assert.Equal(t, KindUnknownEndpoint, r.Kind)

	// No matching row: bad credentials look like a cardinality failure.
	r = d.Issue(ctx, Item{Endpoint: "login", Payload: map[string]any{"email": "x"}})
	assert.Equal(t, KindCardinality, r.Kind)

	f.db.SetRows("login", ir.Row{"a": 1, "b": 2})
	r = d.Issue(ctx, Item{Endpoint: "login", Payload: map[string]any{"email": "x"}})
	assert.Equal(t, KindAuth, r.Kind)
	_, ok := r.Token()
	assert.False(t, ok)
}

func TestNoGateConfigured(t *testing.T) {
	f := newFixture(t, defaultFiles())
	d := New(f.reg, f.db, nil, Options{})

	r := d.Dispatch(context.Background(), "token", []Item{{Endpoint: "my_notes", Payload: map[string]any{"tag": "t"}}})[0]
	assert.Equal(t, KindAuth, r.Kind)
	assert.Contains(t, r.Message, "not configured")
}

func TestDatabaseError(t *testing.T) {
	f := newFixture(t, defaultFiles())
	f.db.SetError("list_users", errors.New("relation does not exist"))

	r := f.dispatcher(Options{}).Dispatch(context.Background(), "", []Item{{Endpoint: "list_users"}})[0]
	assert.Equal(t, KindDBError, r.Kind)
	assert.Contains(t, r.Message, "relation does not exist")
}

func TestItemTimeout(t *testing.T) {
	f := newFixture(t, defaultFiles())
	f.db.SetFunc("list_users", func(ctx context.Context, _ *ir.Endpoint, _ []any) ([]ir.Row, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.db.SetRows("find_user", ir.Row{"id": int64(1)})

	results := f.dispatcher(Options{ItemTimeout: 20 * time.Millisecond}).Dispatch(context.Background(), "", []Item{
		{Endpoint: "list_users"},
		{Endpoint: "find_user", Payload: map[string]any{"email": "e"}},
	})

	assert.Equal(t, KindDBError, results[0].Kind)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Equal(t, StatusSuccess, results[1].Status)
}

func TestWorkerBound(t *testing.T) {
	f := newFixture(t, defaultFiles())

	var inFlight, peak atomic.Int32
	f.db.SetFunc("list_users", func(context.Context, *ir.Endpoint, []any) ([]ir.Row, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})

	items := make([]Item, 12)
	for i := range items {
		items[i] = Item{Endpoint: "list_users"}
	}
	results := f.dispatcher(Options{Workers: 3}).Dispatch(context.Background(), "", items)

	require.Len(t, results, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 12, f.db.CallCount())
}

func TestBatchUsesOneSnapshot(t *testing.T) {
	f := newFixture(t, defaultFiles())
	var once sync.Once
	f.db.SetFunc("list_users", func(context.Context, *ir.Endpoint, []any) ([]ir.Row, error) {
		once.Do(func() {
			assert.NoError(t, os.Remove(filepath.Join(f.root, "find_user.sql")))
			_, err := f.reg.Update("find_user.sql")
			assert.NoError(t, err)
		})
		return nil, nil
	})

	// One worker: the removal lands before the second item starts.
	results := f.dispatcher(Options{Workers: 1}).Dispatch(context.Background(), "", []Item{
		{Endpoint: "list_users"},
		{Endpoint: "find_user", Payload: map[string]any{"email": "e"}},
	})
	assert.Equal(t, StatusSuccess, results[1].Status)

	_, ok := f.reg.Snapshot().Lookup("find_user")
	assert.False(t, ok)
}

func TestResultJSON(t *testing.T) {
	b, err := json.Marshal(success("find_user", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","endpoint":"find_user","data":null}`, string(b))

	b, err = json.Marshal(failure(&Error{Endpoint: "get_user", Kind: KindMissingParameter, Param: "uid"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","endpoint":"get_user","kind":"missing_parameter","message":"endpoint \"get_user\": missing parameter \"uid\"","param":"uid"}`, string(b))
}

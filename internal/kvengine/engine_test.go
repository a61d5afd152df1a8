package kvengine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repmbridge/internal/engine"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()

	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	tempDir := filepath.Join(root, "temp")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))

	e := New(opts...)
	require.NoError(t, e.Init(dataDir, tempDir, nil))
	t.Cleanup(func() { _ = e.Close() })
	return e, dataDir
}

func call(t *testing.T, e *Engine, handle, method, args string) []byte {
	t.Helper()
	out, err := e.Dispatch(handle, method, []byte(args))
	require.NoError(t, err, "%s %s", method, args)
	return out
}

func TestDispatchBeforeInit(t *testing.T) {
	t.Parallel()

	e := New()
	_, err := e.Dispatch("db1", "open", nil)
	require.ErrorIs(t, err, engine.ErrNotInitialized)
}

func TestInitTwiceFails(t *testing.T) {
	t.Parallel()

	e, dataDir := newTestEngine(t)
	err := e.Init(dataDir, t.TempDir(), nil)
	require.Error(t, err)
}

func TestInitRequiresTempDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	e := New()
	err := e.Init(filepath.Join(root, "data"), filepath.Join(root, "missing"), nil)
	require.Error(t, err)

	_, err = e.Dispatch("db1", "open", nil)
	require.ErrorIs(t, err, engine.ErrNotInitialized)
}

func TestInitForwardsLogs(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		lines []string
	)
	sink := func(level, msg string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, level+":"+msg)
	}

	root := t.TempDir()
	tempDir := filepath.Join(root, "temp")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))

	e := New()
	require.NoError(t, e.Init(filepath.Join(root, "data"), tempDir, sink))
	call(t, e, "db1", "open", "")
	require.NoError(t, e.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lines, "info:engine initialized")
	assert.Contains(t, lines, "info:database opened")
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	_, err := e.Dispatch("db1", "frobnicate", nil)
	require.ErrorIs(t, err, engine.ErrUnknownMethod)
}

func TestKeyValueRoundTrip(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	out := call(t, e, "db1", "open", "")
	assert.Empty(t, out)
	assert.NotNil(t, out)

	out = call(t, e, "db1", "put", `{"id":"todo/1","value":{"title":"milk"}}`)
	assert.Empty(t, out)

	assert.JSONEq(t, `{"has":true}`, string(call(t, e, "db1", "has", `{"id":"todo/1"}`)))
	assert.JSONEq(t, `{"has":false}`, string(call(t, e, "db1", "has", `{"id":"todo/2"}`)))
	assert.JSONEq(t, `{"has":true,"value":{"title":"milk"}}`, string(call(t, e, "db1", "get", `{"id":"todo/1"}`)))
	assert.JSONEq(t, `{"has":false}`, string(call(t, e, "db1", "get", `{"id":"nope"}`)))

	call(t, e, "db1", "put", `{"id":"todo/2","value":2}`)
	call(t, e, "db1", "put", `{"id":"other","value":"x"}`)
	assert.JSONEq(t,
		`[{"id":"todo/1","value":{"title":"milk"}},{"id":"todo/2","value":2}]`,
		string(call(t, e, "db1", "scan", `{"prefix":"todo/"}`)))
	assert.JSONEq(t,
		`[{"id":"other","value":"x"}]`,
		string(call(t, e, "db1", "scan", `{"limit":1}`)))

	assert.JSONEq(t, `{"ok":true}`, string(call(t, e, "db1", "del", `{"id":"todo/1"}`)))
	assert.JSONEq(t, `{"ok":false}`, string(call(t, e, "db1", "del", `{"id":"todo/1"}`)))
}

func TestPutValidation(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	call(t, e, "db1", "open", "")

	cases := []string{
		`{"value":1}`,
		`{"id":"k"}`,
		`not json`,
	}
	for _, args := range cases {
		_, err := e.Dispatch("db1", "put", []byte(args))
		assert.Error(t, err, args)
	}
}

func TestCallsOnClosedHandleFail(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	_, err := e.Dispatch("db1", "get", []byte(`{"id":"a"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not open")

	call(t, e, "db1", "open", "")
	call(t, e, "db1", "close", "")
	_, err = e.Dispatch("db1", "get", []byte(`{"id":"a"}`))
	require.Error(t, err)
}

func TestInvalidHandle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	for _, h := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := e.Dispatch(h, "open", nil)
		assert.Error(t, err, "handle %q", h)
	}
}

func TestListAndDrop(t *testing.T) {
	t.Parallel()

	e, dataDir := newTestEngine(t)
	call(t, e, "beta", "open", "")
	call(t, e, "alpha", "open", "")

	assert.JSONEq(t, `{"databases":["alpha","beta"]}`, string(call(t, e, "", "list", "")))

	call(t, e, "beta", "drop", "")
	_, err := os.Stat(filepath.Join(dataDir, "beta.db"))
	assert.True(t, os.IsNotExist(err))
	assert.JSONEq(t, `{"databases":["alpha"]}`, string(call(t, e, "", "list", "")))
}

func TestBundleRoundTrip(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	call(t, e, "db1", "open", "")

	var empty bundleResult
	require.NoError(t, json.Unmarshal(call(t, e, "db1", "getBundle", ""), &empty))
	assert.Equal(t, "", empty.Code)
	assert.Len(t, empty.Hash, 64)

	var put bundleResult
	require.NoError(t, json.Unmarshal(call(t, e, "db1", "putBundle", `{"code":"function recv() {}"}`), &put))
	assert.Len(t, put.Hash, 64)
	assert.NotEqual(t, empty.Hash, put.Hash)

	var got bundleResult
	require.NoError(t, json.Unmarshal(call(t, e, "db1", "getBundle", ""), &got))
	assert.Equal(t, "function recv() {}", got.Code)
	assert.Equal(t, put.Hash, got.Hash)
}

func TestRequestSync(t *testing.T) {
	t.Parallel()

	var received SyncRequest
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(SyncResponse{Entries: []Entry{
			{ID: "remote/1", Value: json.RawMessage(`"from server"`)},
		}})
	}))
	defer remote.Close()

	e, _ := newTestEngine(t, WithSyncRemote(remote.URL+"/"))
	call(t, e, "db1", "open", "")
	call(t, e, "db1", "put", `{"id":"local/1","value":true}`)

	var res syncResult
	require.NoError(t, json.Unmarshal(call(t, e, "db1", "requestSync", ""), &res))
	assert.NotEmpty(t, res.SyncID)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Pulled)

	assert.Equal(t, "db1", received.Handle)
	assert.Equal(t, res.SyncID, received.SyncID)
	require.Len(t, received.Entries, 1)
	assert.Equal(t, "local/1", received.Entries[0].ID)

	assert.JSONEq(t, `{"has":true,"value":"from server"}`, string(call(t, e, "db1", "get", `{"id":"remote/1"}`)))

	db, err := e.db("db1")
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_log;`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRequestSyncErrors(t *testing.T) {
	t.Parallel()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer failing.Close()

	e, _ := newTestEngine(t)
	call(t, e, "db1", "open", "")

	_, err := e.Dispatch("db1", "requestSync", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sync remote")

	_, err = e.Dispatch("db1", "requestSync", []byte(`{"remote":"`+failing.URL+`"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestConcurrentDispatch(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	call(t, e, "db1", "open", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args, _ := json.Marshal(putArgs{ID: "k", Value: json.RawMessage(`1`)})
			if _, err := e.Dispatch("db1", "put", args); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.JSONEq(t, `{"has":true}`, string(call(t, e, "db1", "has", `{"id":"k"}`)))
}

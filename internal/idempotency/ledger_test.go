package idempotency

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/kv"
	"github.com/craftdeck/craftdeck/internal/observability"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedger(kv.NewRedisStore(client, "test"), logger), mr
}

func TestValidKey(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"create-ws:a1b2c3", true},
		{"A.b_c:d-e.12345", true},
		{strings.Repeat("k", 200), true},
		{"short", false},
		{strings.Repeat("k", 201), false},
		{"has spaces 123", false},
		{"emoji-é-key", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ValidKey(tc.key), "key %q", tc.key)
	}
}

func TestLedgerCommitAndLookup(t *testing.T) {
	ledger, mr := newTestLedger(t)
	ctx := context.Background()

	_, found, err := ledger.Lookup(ctx, "workspaces.create", "user-1", "create-ws:abc123")
	require.NoError(t, err)
	assert.False(t, found)

	ledger.Commit(ctx, "workspaces.create", "user-1", "create-ws:abc123", http.StatusCreated, []byte(`{"id":"ws-1"}`))

	rec, found, err := ledger.Lookup(ctx, "workspaces.create", "user-1", "create-ws:abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, http.StatusCreated, rec.Status)
	assert.JSONEq(t, `{"id":"ws-1"}`, string(rec.Body))

	// Same key under another scope is a miss.
	_, found, err = ledger.Lookup(ctx, "workspaces.create", "user-2", "create-ws:abc123")
	require.NoError(t, err)
	assert.False(t, found)

	// Records expire after the retention window.
	mr.FastForward(recordTTL + 1)
	_, found, err = ledger.Lookup(ctx, "workspaces.create", "user-1", "create-ws:abc123")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLedgerKeyedByOperation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// The same caller reusing one key across two operations must get
	// two distinct records, not a cross-operation replay.
	ledger.Commit(ctx, "workspaces.create", "user-1", "retry:abc123", http.StatusCreated, []byte(`{"id":"ws-1"}`))

	_, found, err := ledger.Lookup(ctx, "instances.create", "user-1", "retry:abc123")
	require.NoError(t, err)
	assert.False(t, found)

	rec, found, err := ledger.Lookup(ctx, "workspaces.create", "user-1", "retry:abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, http.StatusCreated, rec.Status)
}

func TestLedgerIgnoresUnreadableRecord(t *testing.T) {
	ledger, mr := newTestLedger(t)
	require.NoError(t, mr.Set("test:idempotency.v1.workspaces.create.user-1.broken-key1", "not json"))

	_, found, err := ledger.Lookup(context.Background(), "workspaces.create", "user-1", "broken-key1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLedgerIgnoresOutOfRangeStatus(t *testing.T) {
	ledger, mr := newTestLedger(t)
	require.NoError(t, mr.Set(
		"test:idempotency.v1.workspaces.create.user-1.corrupt-key1",
		`{"v":1,"status":7,"body":{},"createdAt":"2026-01-01T00:00:00Z"}`))

	_, found, err := ledger.Lookup(context.Background(), "workspaces.create", "user-1", "corrupt-key1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWrapReplaysCommittedResponse(t *testing.T) {
	ledger, _ := newTestLedger(t)
	executions := 0
	handler := ledger.Wrap(
		"workspaces.create",
		func(r *http.Request) string { return "user-1" },
		func(w http.ResponseWriter, r *http.Request) {
			executions++
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ws-1"}`))
		},
	)

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/account/workspaces", nil)
	req.Header.Set(KeyHeader, "create-ws:abc123")
	handler(first, req)
	second := httptest.NewRecorder()
	handler(second, req.Clone(context.Background()))

	assert.Equal(t, 1, executions)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(ReplayHeader))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "1", second.Header().Get(ReplayHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestWrapIsolatesOperations(t *testing.T) {
	ledger, _ := newTestLedger(t)
	executions := 0
	handle := func(w http.ResponseWriter, r *http.Request) {
		executions++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}
	createWS := ledger.Wrap("workspaces.create", func(r *http.Request) string { return "user-1" }, handle)
	createInst := ledger.Wrap("instances.create", func(r *http.Request) string { return "user-1" }, handle)

	req := httptest.NewRequest(http.MethodPost, "/api/account/workspaces", nil)
	req.Header.Set(KeyHeader, "retry:abc123")
	createWS(httptest.NewRecorder(), req)

	rr := httptest.NewRecorder()
	createInst(rr, req.Clone(context.Background()))

	// The second operation executes; only a retry of the same
	// operation replays.
	assert.Equal(t, 2, executions)
	assert.Empty(t, rr.Header().Get(ReplayHeader))
}

func TestWrapRequiresKey(t *testing.T) {
	ledger, _ := newTestLedger(t)
	handler := ledger.Wrap(
		"workspaces.create",
		func(r *http.Request) string { return "user-1" },
		func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run without a key")
		},
	)

	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodPost, "/api/account/workspaces", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestWrapRejectsMalformedKey(t *testing.T) {
	ledger, _ := newTestLedger(t)
	handler := ledger.Wrap(
		"workspaces.create",
		func(r *http.Request) string { return "user-1" },
		func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run for a malformed key")
		},
	)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/account/workspaces", nil)
	req.Header.Set(KeyHeader, "bad key")
	handler(rr, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestWrapSkipsServerErrors(t *testing.T) {
	ledger, _ := newTestLedger(t)
	executions := 0
	handler := ledger.Wrap(
		"workspaces.create",
		func(r *http.Request) string { return "user-1" },
		func(w http.ResponseWriter, r *http.Request) {
			executions++
			http.Error(w, "boom", http.StatusInternalServerError)
		},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/account/workspaces", nil)
	req.Header.Set(KeyHeader, "create-ws:abc123")
	handler(httptest.NewRecorder(), req)
	handler(httptest.NewRecorder(), req.Clone(context.Background()))

	// A 5xx is never committed, so the retry re-executes.
	assert.Equal(t, 2, executions)
}

func TestWrapCountsReplays(t *testing.T) {
	ledger, _ := newTestLedger(t)
	metrics := observability.NewMetrics()
	ledger.WithMetrics(metrics)
	handler := ledger.Wrap(
		"workspaces.create",
		func(r *http.Request) string { return "user-1" },
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/account/workspaces", nil)
	req.Header.Set(KeyHeader, "create-ws:abc123")
	handler(httptest.NewRecorder(), req)
	handler(httptest.NewRecorder(), req.Clone(context.Background()))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "craftdeck_idempotent_replays_total 1")
}

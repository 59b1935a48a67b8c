package jobs

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/assets"
	"github.com/craftdeck/craftdeck/internal/kv"
)

func newJobFixture(t *testing.T, assetResponse string, assetStatus int) (asynq.HandlerFunc, kv.Store) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if assetStatus != http.StatusOK {
			http.Error(w, assetResponse, assetStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(assetResponse))
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStore(client, "test")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewAssetsIntegrityHandler(assets.NewClient(srv.URL, "svc-token"), store, logger)
	return handler, store
}

func TestAssetsIntegrityHandlerStoresSnapshot(t *testing.T) {
	handler, store := newJobFixture(t, `{
		"integrity": {
			"ok": false,
			"dbVariantCount": 3,
			"objectCount": 2,
			"missing": [{"assetId": "a-1", "objectKey": "o/a-1/file"}],
			"orphans": []
		}
	}`, http.StatusOK)

	task, err := NewAssetsIntegrityTask(AssetsIntegrityPayload{AccountID: "acct-1"})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))

	snapshot, found, err := LatestIntegritySnapshot(context.Background(), store, "acct-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, snapshot.OK)
	assert.Equal(t, 1, snapshot.MissingCount)
	require.Len(t, snapshot.Missing, 1)
	assert.Equal(t, "a-1", snapshot.Missing[0].AssetID)
}

func TestAssetsIntegrityHandlerUpstreamFailureRetries(t *testing.T) {
	handler, store := newJobFixture(t, "unavailable", http.StatusBadGateway)

	task, err := NewAssetsIntegrityTask(AssetsIntegrityPayload{AccountID: "acct-1"})
	require.NoError(t, err)

	// A returned error (not SkipRetry) leaves the task eligible for
	// asynq's retry policy.
	err = handler(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	_, found, err := LatestIntegritySnapshot(context.Background(), store, "acct-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAssetsIntegrityHandlerBadPayload(t *testing.T) {
	handler, _ := newJobFixture(t, `{}`, http.StatusOK)

	err := handler(context.Background(), asynq.NewTask(TaskAssetsIntegrity, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = handler(context.Background(), asynq.NewTask(TaskAssetsIntegrity, []byte(`{"accountId": ""}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLatestIntegritySnapshotMissingStore(t *testing.T) {
	_, found, err := LatestIntegritySnapshot(context.Background(), nil, "acct-1")
	require.NoError(t, err)
	assert.False(t, found)
}

package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

func TestIntegrityFetchesSnapshot(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"integrity": {
				"ok": false,
				"dbVariantCount": 12,
				"objectCount": 11,
				"missing": [{"assetId": "a-1", "objectKey": "o/a-1/file"}],
				"orphans": ["o/stale/file"]
			}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "svc-token")
	snap, err := client.Integrity(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer svc-token", gotAuth)
	assert.Equal(t, "/assets/integrity/acct-1", gotPath)
	assert.False(t, snap.OK)
	assert.Equal(t, 12, snap.DBVariantCount)
	// Counts default to list lengths when the upstream omits them.
	assert.Equal(t, 1, snap.MissingCount)
	assert.Equal(t, 1, snap.OrphanCount)
	require.Len(t, snap.Missing, 1)
	assert.Equal(t, "a-1", snap.Missing[0].AssetID)
}

func TestIntegrityUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "svc-token")
	_, err := client.Integrity(context.Background(), "acct-1")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
}

func TestIntegrityMissingPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "svc-token")
	_, err := client.Integrity(context.Background(), "acct-1")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
}

func TestUnconfiguredClient(t *testing.T) {
	client := NewClient("", "")
	assert.False(t, client.Configured())

	err := client.CallJSON(context.Background(), http.MethodGet, "/assets/integrity/acct-1", nil, nil)
	assert.ErrorIs(t, err, ErrUnconfigured)
}

func TestMapError(t *testing.T) {
	var apiErr *httpx.APIError

	require.ErrorAs(t, MapError(ErrUnconfigured), &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "asset_service_unconfigured", apiErr.Reason)

	require.ErrorAs(t, MapError(&UpstreamError{Op: "GET /x", Status: 500, Detail: "boom"}), &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "asset_service_upstream", apiErr.Reason)

	assert.NoError(t, MapError(nil))
}

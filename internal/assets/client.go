// Package assets speaks to the sibling asset service: a separate
// deployment that owns upload, variant generation, and object storage.
// The control plane only reads from it over its JSON API.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

// ErrUnconfigured is returned when the client has no base URL or
// service token. Integrity features degrade instead of failing the
// caller hard.
var ErrUnconfigured = errors.New("assets: asset service not configured")

// UpstreamError wraps a non-2xx asset-service response.
type UpstreamError struct {
	Op     string
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("assets: %s failed (%d): %s", e.Op, e.Status, e.Detail)
}

// Client is the asset-service HTTP client, authenticated with a shared
// service bearer token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient constructs a Client. Empty baseURL or token yields a
// client whose calls return ErrUnconfigured.
func NewClient(baseURL, serviceToken string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   serviceToken,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether the client can reach the asset service.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.token != ""
}

// CallJSON performs one JSON request against the asset service and
// decodes the response into result when non-nil. Non-2xx responses
// come back as *UpstreamError.
func (c *Client) CallJSON(ctx context.Context, method, path string, body, result any) error {
	if !c.Configured() {
		return ErrUnconfigured
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("assets: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("assets: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &UpstreamError{Op: method + " " + path, Status: res.StatusCode, Detail: string(detail)}
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(result)
}

// MissingObject is a DB variant row with no backing object.
type MissingObject struct {
	AssetID   string `json:"assetId"`
	ObjectKey string `json:"objectKey"`
}

// IntegritySnapshot compares the DB asset-variant records for one
// account against the object store listing.
type IntegritySnapshot struct {
	OK             bool            `json:"ok"`
	DBVariantCount int             `json:"dbVariantCount"`
	ObjectCount    int             `json:"objectCount"`
	MissingCount   int             `json:"missingCount"`
	OrphanCount    int             `json:"orphanCount"`
	Missing        []MissingObject `json:"missing"`
	Orphans        []string        `json:"orphans"`
}

// Integrity fetches the drift report for one account.
func (c *Client) Integrity(ctx context.Context, accountID string) (IntegritySnapshot, error) {
	var payload struct {
		Integrity *IntegritySnapshot `json:"integrity"`
	}
	path := "/assets/integrity/" + url.PathEscape(accountID)
	if err := c.CallJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return IntegritySnapshot{}, err
	}
	if payload.Integrity == nil {
		return IntegritySnapshot{}, &UpstreamError{Op: "GET " + path, Status: http.StatusBadGateway, Detail: "missing integrity payload"}
	}
	snap := *payload.Integrity
	if snap.MissingCount == 0 {
		snap.MissingCount = len(snap.Missing)
	}
	if snap.OrphanCount == 0 {
		snap.OrphanCount = len(snap.Orphans)
	}
	return snap, nil
}

// MapError converts client failures onto the HTTP error taxonomy:
// unconfigured reads as unavailable, upstream failures as 502.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrUnconfigured):
		return httpx.NewError(httpx.KindInternal, "asset_service_unconfigured", http.StatusServiceUnavailable)
	case errors.As(err, &upstream):
		return httpx.NewError(httpx.KindInternal, "asset_service_upstream", http.StatusBadGateway).WithDetail(upstream.Error())
	default:
		return httpx.NewError(httpx.KindInternal, "asset_service_unreachable", http.StatusBadGateway).WithDetail(err.Error())
	}
}

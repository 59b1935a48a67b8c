package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RESTStore speaks the row-filter HTTP interface of the relational
// store, authenticated with a service key.
type RESTStore struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// NewRESTStore constructs a RESTStore. The base URL points at the
// store's row-filter API root.
func NewRESTStore(baseURL, serviceKey string) *RESTStore {
	return &RESTStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RESTStore) do(ctx context.Context, method, path string, body any, prefer string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("recordstore: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	return s.client.Do(req)
}

func upstreamFromResponse(op string, res *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &UpstreamError{Op: op, Status: res.StatusCode, Detail: string(detail)}
}

// Select implements Store.
func (s *RESTStore) Select(ctx context.Context, q Query) ([]Row, error) {
	res, err := s.do(ctx, http.MethodGet, "/"+q.Table+"?"+q.Encode(), nil, "")
	if err != nil {
		return nil, &UpstreamError{Op: "select " + q.Table, Detail: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, upstreamFromResponse("select "+q.Table, res)
	}
	var rows []Row
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, &UpstreamError{Op: "select " + q.Table, Detail: err.Error()}
	}
	return rows, nil
}

// Insert implements Store.
func (s *RESTStore) Insert(ctx context.Context, table string, values Row, returning bool) (Row, error) {
	prefer := "return=minimal"
	if returning {
		prefer = "return=representation"
	}
	res, err := s.do(ctx, http.MethodPost, "/"+table, values, prefer)
	if err != nil {
		return nil, &UpstreamError{Op: "insert " + table, Detail: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusConflict {
		return nil, ErrConflict
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return nil, upstreamFromResponse("insert "+table, res)
	}
	if !returning {
		return nil, nil
	}
	var rows []Row
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, &UpstreamError{Op: "insert " + table, Detail: err.Error()}
	}
	if len(rows) == 0 {
		return nil, &UpstreamError{Op: "insert " + table, Detail: "empty representation"}
	}
	return rows[0], nil
}

// Update implements Store.
func (s *RESTStore) Update(ctx context.Context, table string, values Row, filters []Filter) error {
	q := Query{Table: table, Filters: filters}
	res, err := s.do(ctx, http.MethodPatch, "/"+table+"?"+q.Encode(), values, "return=minimal")
	if err != nil {
		return &UpstreamError{Op: "update " + table, Detail: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return upstreamFromResponse("update "+table, res)
	}
	return nil
}

// Delete implements Store.
func (s *RESTStore) Delete(ctx context.Context, table string, filters []Filter) error {
	q := Query{Table: table, Filters: filters}
	res, err := s.do(ctx, http.MethodDelete, "/"+table+"?"+q.Encode(), nil, "")
	if err != nil {
		return &UpstreamError{Op: "delete " + table, Detail: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return upstreamFromResponse("delete "+table, res)
	}
	return nil
}

// Call implements Store via the store's RPC surface.
func (s *RESTStore) Call(ctx context.Context, name string, args map[string]any, result any) error {
	res, err := s.do(ctx, http.MethodPost, "/rpc/"+name, args, "")
	if err != nil {
		return &UpstreamError{Op: "call " + name, Detail: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return upstreamFromResponse("call "+name, res)
	}
	if result == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(result); err != nil {
		return &UpstreamError{Op: "call " + name, Detail: err.Error()}
	}
	return nil
}

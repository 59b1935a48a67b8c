package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Row is one record as returned by the store.
type Row map[string]any

// String reads a column as a trimmed string, or "" when absent.
func (r Row) String(column string) string {
	value, _ := r[column].(string)
	return value
}

// Int64 reads a column as an integer, tolerating JSON float decoding.
func (r Row) Int64(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// ErrConflict reports a uniqueness violation on insert. Both adapters
// normalize their native signal (SQLSTATE 23505, HTTP 409) to this so
// mutation callers can map retries onto the CONFLICT taxonomy.
var ErrConflict = errors.New("recordstore: unique violation")

// UpstreamError wraps a store failure with the raw upstream detail
// attached for operator diagnosis. The detail is not stable for
// programmatic matching.
type UpstreamError struct {
	Op     string
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("recordstore: %s failed (%d): %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("recordstore: %s failed: %s", e.Op, e.Detail)
}

// Store is the generic row-filtered access surface. The relational
// schema behind it is an external collaborator; core components treat
// every call as a capability that can fail.
type Store interface {
	// Select returns the rows matching the query.
	Select(ctx context.Context, q Query) ([]Row, error)
	// Insert writes one row and, when returning is true, reads the
	// written row back.
	Insert(ctx context.Context, table string, values Row, returning bool) (Row, error)
	// Update applies values to the rows matching the filters.
	Update(ctx context.Context, table string, values Row, filters []Filter) error
	// Delete removes the rows matching the filters.
	Delete(ctx context.Context, table string, filters []Filter) error
	// Call invokes a named server-side operation (stored procedure or
	// equivalent) atomically and decodes its JSON result.
	Call(ctx context.Context, name string, args map[string]any, result any) error
}

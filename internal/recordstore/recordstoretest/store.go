// Package recordstoretest provides an in-memory record store for
// package tests.
package recordstoretest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/craftdeck/craftdeck/internal/recordstore"
)

// CallFunc handles one registered RPC by name.
type CallFunc func(args map[string]any) (any, error)

// Store is an in-memory recordstore.Store. Rows live in named tables;
// uniqueness constraints and RPCs are registered per test.
type Store struct {
	mu      sync.Mutex
	tables  map[string][]recordstore.Row
	unique  map[string][]string
	calls   map[string]CallFunc
	selects map[string]int
	nextID  int

	// FailNext, when set, makes the next operation return the error
	// and then clears itself.
	FailNext error

	failSelect map[string]error
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tables:     make(map[string][]recordstore.Row),
		unique:     make(map[string][]string),
		calls:      make(map[string]CallFunc),
		selects:    make(map[string]int),
		failSelect: make(map[string]error),
	}
}

// FailSelect makes every Select against table return err. Unlike
// FailNext it is table-scoped and persistent, so it stays deterministic
// under concurrent reads.
func (s *Store) FailSelect(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failSelect, table)
		return
	}
	s.failSelect[table] = err
}

// Seed appends rows to a table.
func (s *Store) Seed(table string, rows ...recordstore.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], rows...)
}

// Reset replaces a table's rows wholesale.
func (s *Store) Reset(table string, rows ...recordstore.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = rows
}

// Unique declares a uniqueness constraint; Insert returns
// recordstore.ErrConflict when the named columns collide.
func (s *Store) Unique(table string, columns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique[table] = columns
}

// Handle registers an RPC handler for Call.
func (s *Store) Handle(name string, fn CallFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name] = fn
}

// SelectCount reports how many Selects ran against a table.
func (s *Store) SelectCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selects[table]
}

// Rows returns a copy of a table's rows.
func (s *Store) Rows(table string) []recordstore.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordstore.Row, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, cloneRow(row))
	}
	return out
}

func (s *Store) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func cloneRow(row recordstore.Row) recordstore.Row {
	out := make(recordstore.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func matches(row recordstore.Row, filters []recordstore.Filter) bool {
	for _, f := range filters {
		got := fmt.Sprintf("%v", row[f.Column])
		if row[f.Column] == nil {
			got = ""
		}
		switch f.Op {
		case "eq":
			if len(f.Values) != 1 || got != f.Values[0] {
				return false
			}
		case "in":
			found := false
			for _, v := range f.Values {
				if got == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Select implements recordstore.Store.
func (s *Store) Select(ctx context.Context, q recordstore.Query) ([]recordstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	if err := s.failSelect[q.Table]; err != nil {
		return nil, err
	}
	s.selects[q.Table]++
	var out []recordstore.Row
	for _, row := range s.tables[q.Table] {
		if matches(row, q.Filters) {
			out = append(out, cloneRow(row))
		}
	}
	if q.OrderBy != "" {
		col, desc := q.OrderBy, q.OrderDesc
		sort.SliceStable(out, func(i, j int) bool {
			a := fmt.Sprintf("%v", out[i][col])
			b := fmt.Sprintf("%v", out[j][col])
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			out = nil
		} else {
			out = out[q.Offset:]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert implements recordstore.Store.
func (s *Store) Insert(ctx context.Context, table string, values recordstore.Row, returning bool) (recordstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	if cols := s.unique[table]; len(cols) > 0 {
		for _, row := range s.tables[table] {
			same := true
			for _, col := range cols {
				if fmt.Sprintf("%v", row[col]) != fmt.Sprintf("%v", values[col]) {
					same = false
					break
				}
			}
			if same {
				return nil, recordstore.ErrConflict
			}
		}
	}
	row := cloneRow(values)
	if _, ok := row["id"]; !ok {
		s.nextID++
		row["id"] = fmt.Sprintf("%s-%d", table, s.nextID)
	}
	s.tables[table] = append(s.tables[table], row)
	if returning {
		return cloneRow(row), nil
	}
	return nil, nil
}

// Update implements recordstore.Store.
func (s *Store) Update(ctx context.Context, table string, values recordstore.Row, filters []recordstore.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	for i, row := range s.tables[table] {
		if matches(row, filters) {
			merged := cloneRow(row)
			for k, v := range values {
				merged[k] = v
			}
			s.tables[table][i] = merged
		}
	}
	return nil
}

// Delete implements recordstore.Store.
func (s *Store) Delete(ctx context.Context, table string, filters []recordstore.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	kept := s.tables[table][:0]
	for _, row := range s.tables[table] {
		if !matches(row, filters) {
			kept = append(kept, row)
		}
	}
	s.tables[table] = kept
	return nil
}

// Call implements recordstore.Store.
func (s *Store) Call(ctx context.Context, name string, args map[string]any, result any) error {
	s.mu.Lock()
	fn, ok := s.calls[name]
	failure := s.takeFailure()
	s.mu.Unlock()
	if failure != nil {
		return failure
	}
	if !ok {
		return &recordstore.UpstreamError{Op: "call " + name, Status: 404, Detail: "no handler"}
	}
	out, err := fn(args)
	if err != nil {
		return err
	}
	return assign(result, out)
}

func assign(dst, src any) error {
	if dst == nil || src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	pgconnv1 "github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store directly against the relational store,
// compiling the filter language to parameterized SQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var legacyErr *pgconnv1.PgError
	return errors.As(err, &legacyErr) && legacyErr.Code == "23505"
}

func compileFilters(filters []Filter, args *[]any) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filters))
	for _, f := range filters {
		if !safeIdent(f.Column) {
			return "", fmt.Errorf("recordstore: invalid column %q", f.Column)
		}
		switch f.Op {
		case "eq":
			value := ""
			if len(f.Values) > 0 {
				value = f.Values[0]
			}
			*args = append(*args, value)
			clauses = append(clauses, fmt.Sprintf("%s = $%d", f.Column, len(*args)))
		case "in":
			*args = append(*args, f.Values)
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", f.Column, len(*args)))
		default:
			return "", fmt.Errorf("recordstore: unsupported operator %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), nil
}

func safeIdent(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// Select implements Store.
func (s *PostgresStore) Select(ctx context.Context, q Query) ([]Row, error) {
	if !safeIdent(q.Table) {
		return nil, fmt.Errorf("recordstore: invalid table %q", q.Table)
	}
	columns := "*"
	if len(q.Select) > 0 {
		for _, col := range q.Select {
			if !safeIdent(col) {
				return nil, fmt.Errorf("recordstore: invalid column %q", col)
			}
		}
		columns = strings.Join(q.Select, ", ")
	}

	var args []any
	where, err := compileFilters(q.Filters, &args)
	if err != nil {
		return nil, err
	}

	sql := "SELECT " + columns + " FROM " + q.Table + where
	if q.OrderBy != "" {
		if !safeIdent(q.OrderBy) {
			return nil, fmt.Errorf("recordstore: invalid column %q", q.OrderBy)
		}
		sql += " ORDER BY " + q.OrderBy
		if q.OrderDesc {
			sql += " DESC"
		}
	}
	if q.Limit > 0 {
		sql += " LIMIT " + strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		sql += " OFFSET " + strconv.Itoa(q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &UpstreamError{Op: "select " + q.Table, Detail: err.Error()}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &UpstreamError{Op: "select " + q.Table, Detail: err.Error()}
		}
		row := make(Row, len(fields))
		for i, field := range fields {
			row[string(field.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &UpstreamError{Op: "select " + q.Table, Detail: err.Error()}
	}
	return out, nil
}

// Insert implements Store. Unique violations surface as ErrConflict.
func (s *PostgresStore) Insert(ctx context.Context, table string, values Row, returning bool) (Row, error) {
	if !safeIdent(table) {
		return nil, fmt.Errorf("recordstore: invalid table %q", table)
	}
	columns := make([]string, 0, len(values))
	for col := range values {
		if !safeIdent(col) {
			return nil, fmt.Errorf("recordstore: invalid column %q", col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)
	args := make([]any, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	for i, col := range columns {
		args = append(args, values[col])
		placeholders = append(placeholders, "$"+strconv.Itoa(i+1))
	}

	sql := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	if !returning {
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrConflict
			}
			return nil, &UpstreamError{Op: "insert " + table, Detail: err.Error()}
		}
		return nil, nil
	}

	sql += " RETURNING *"
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, &UpstreamError{Op: "insert " + table, Detail: err.Error()}
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrConflict
			}
			return nil, &UpstreamError{Op: "insert " + table, Detail: err.Error()}
		}
		return nil, &UpstreamError{Op: "insert " + table, Detail: "no row returned"}
	}
	fields := rows.FieldDescriptions()
	rowValues, err := rows.Values()
	if err != nil {
		return nil, &UpstreamError{Op: "insert " + table, Detail: err.Error()}
	}
	row := make(Row, len(fields))
	for i, field := range fields {
		row[string(field.Name)] = rowValues[i]
	}
	return row, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, table string, values Row, filters []Filter) error {
	if !safeIdent(table) {
		return fmt.Errorf("recordstore: invalid table %q", table)
	}
	columns := make([]string, 0, len(values))
	for col := range values {
		if !safeIdent(col) {
			return fmt.Errorf("recordstore: invalid column %q", col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)
	var args []any
	assignments := make([]string, 0, len(columns))
	for _, col := range columns {
		args = append(args, values[col])
		assignments = append(assignments, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	where, err := compileFilters(filters, &args)
	if err != nil {
		return err
	}
	sql := "UPDATE " + table + " SET " + strings.Join(assignments, ", ") + where
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return &UpstreamError{Op: "update " + table, Detail: err.Error()}
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, table string, filters []Filter) error {
	if !safeIdent(table) {
		return fmt.Errorf("recordstore: invalid table %q", table)
	}
	var args []any
	where, err := compileFilters(filters, &args)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM "+table+where, args...); err != nil {
		return &UpstreamError{Op: "delete " + table, Detail: err.Error()}
	}
	return nil
}

// Call implements Store by invoking a stored procedure that returns a
// single JSON document.
func (s *PostgresStore) Call(ctx context.Context, name string, args map[string]any, result any) error {
	if !safeIdent(name) {
		return fmt.Errorf("recordstore: invalid procedure %q", name)
	}
	keys := make([]string, 0, len(args))
	for key := range args {
		if !safeIdent(key) {
			return fmt.Errorf("recordstore: invalid argument %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	values := make([]any, 0, len(keys))
	named := make([]string, 0, len(keys))
	for i, key := range keys {
		values = append(values, args[key])
		named = append(named, fmt.Sprintf("%s => $%d", key, i+1))
	}
	sql := "SELECT " + name + "(" + strings.Join(named, ", ") + ")"
	if result == nil {
		if _, err := s.pool.Exec(ctx, sql, values...); err != nil {
			return &UpstreamError{Op: "call " + name, Detail: err.Error()}
		}
		return nil
	}
	if err := s.pool.QueryRow(ctx, sql, values...).Scan(result); err != nil {
		return &UpstreamError{Op: "call " + name, Detail: err.Error()}
	}
	return nil
}

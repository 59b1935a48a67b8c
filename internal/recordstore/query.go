// Package recordstore gives the control plane row-filtered access to
// the relational store. Callers describe reads and writes with a Query
// built from the filter language (`column=eq.value`, `column=in.(a,b)`,
// ordering, limit/offset); adapters translate it to their wire format.
// Every call is fallible and surfaces upstream detail for diagnostics.
package recordstore

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Filter is a single column predicate.
type Filter struct {
	Column string
	Op     string // "eq" or "in"
	Values []string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: "eq", Values: []string{value}}
}

// In builds a set-membership filter.
func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: "in", Values: values}
}

// Query describes a row-filtered read or write target.
type Query struct {
	Table     string
	Select    []string
	Filters   []Filter
	OrderBy   string
	OrderDesc bool
	Limit     int
	Offset    int
}

// NewQuery starts a query against a table.
func NewQuery(table string) Query {
	return Query{Table: table}
}

// Columns sets the selected columns.
func (q Query) Columns(cols ...string) Query {
	q.Select = cols
	return q
}

// Where appends filters.
func (q Query) Where(filters ...Filter) Query {
	q.Filters = append(q.Filters, filters...)
	return q
}

// Order sets the ordering column.
func (q Query) Order(column string, desc bool) Query {
	q.OrderBy = column
	q.OrderDesc = desc
	return q
}

// Take bounds the result set.
func (q Query) Take(limit int) Query {
	q.Limit = limit
	return q
}

// Skip offsets the result set.
func (q Query) Skip(offset int) Query {
	q.Offset = offset
	return q
}

// Encode renders the query-parameter form of the filter language. The
// REST adapter puts this on the wire; everything else uses it as a
// stable cache/log key.
func (q Query) Encode() string {
	params := url.Values{}
	if len(q.Select) > 0 {
		params.Set("select", strings.Join(q.Select, ","))
	}
	for _, f := range q.Filters {
		switch f.Op {
		case "in":
			params.Set(f.Column, "in.("+strings.Join(f.Values, ",")+")")
		default:
			value := ""
			if len(f.Values) > 0 {
				value = f.Values[0]
			}
			params.Set(f.Column, "eq."+value)
		}
	}
	if q.OrderBy != "" {
		direction := ".asc"
		if q.OrderDesc {
			direction = ".desc"
		}
		params.Set("order", q.OrderBy+direction)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+url.QueryEscape(params.Get(key)))
	}
	return strings.Join(parts, "&")
}

package servicenow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateTimeFormat is the timestamp layout ServiceNow expects inside encoded
// queries. Values are interpreted in UTC on the instance side.
const DateTimeFormat = "2006-01-02 15:04:05"

// Query builds a sysparm_query encoded query. Conditions are joined with the
// ^ conjunction in the order they were added.
type Query struct {
	parts []string
}

// NewQuery creates an empty encoded query
func NewQuery() *Query {
	return &Query{}
}

// Eq adds a field=value condition
func (q *Query) Eq(field, value string) *Query {
	q.parts = append(q.parts, fmt.Sprintf("%s=%s", field, value))
	return q
}

// Gt adds a field>value condition
func (q *Query) Gt(field, value string) *Query {
	q.parts = append(q.parts, fmt.Sprintf("%s>%s", field, value))
	return q
}

// In adds a fieldINa,b,c condition
func (q *Query) In(field string, values ...string) *Query {
	q.parts = append(q.parts, fmt.Sprintf("%sIN%s", field, strings.Join(values, ",")))
	return q
}

// InInts adds a fieldINa,b,c condition from integer state codes
func (q *Query) InInts(field string, values ...int) *Query {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = strconv.Itoa(v)
	}
	return q.In(field, strs...)
}

// UpdatedSince constrains sys_updated_on to values after the given instant
func (q *Query) UpdatedSince(since time.Time) *Query {
	return q.Gt("sys_updated_on", since.UTC().Format(DateTimeFormat))
}

// OrderBy appends an ascending sort directive
func (q *Query) OrderBy(field string) *Query {
	q.parts = append(q.parts, "ORDERBY"+field)
	return q
}

// OrderByDesc appends a descending sort directive
func (q *Query) OrderByDesc(field string) *Query {
	q.parts = append(q.parts, "ORDERBYDESC"+field)
	return q
}

// String renders the encoded query
func (q *Query) String() string {
	return strings.Join(q.parts, "^")
}

// IsEmpty reports whether any condition was added
func (q *Query) IsEmpty() bool {
	return len(q.parts) == 0
}

package servicenow

import (
	"context"
)

// DefaultPageSize is the page size used when the configuration does not set one
const DefaultPageSize = 100

// RecordIterator walks a query result set page by page using
// sysparm_limit/sysparm_offset windows.
type RecordIterator struct {
	ctx    context.Context
	client *Client
	table  string
	query  *Query
	limit  int

	page    []map[string]interface{}
	idx     int
	offset  int
	total   int
	started bool
	done    bool
	err     error
}

// NewRecordIterator creates an iterator over all records matching the query
func (c *Client) NewRecordIterator(ctx context.Context, table string, query *Query) *RecordIterator {
	return &RecordIterator{
		ctx:    ctx,
		client: c,
		table:  table,
		query:  query,
		limit:  c.pageSize,
	}
}

// Next advances the iterator, fetching the next page when the current one is
// exhausted. It returns false when the result set ends or an error occurs.
func (it *RecordIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	if it.started {
		it.idx++
		if it.idx < len(it.page) {
			return true
		}
		// A short page means the result set is exhausted
		if len(it.page) < it.limit {
			it.done = true
			return false
		}
		it.offset += it.limit
	}

	return it.loadPage()
}

// loadPage fetches the next page window
func (it *RecordIterator) loadPage() bool {
	page, total, err := it.client.QueryRecords(it.ctx, it.table, it.query, it.limit, it.offset)
	if err != nil {
		it.err = err
		return false
	}

	it.started = true
	it.page = page
	it.total = total
	it.idx = 0

	if len(page) == 0 {
		it.done = true
		return false
	}

	return true
}

// Record returns the record the iterator is positioned on
func (it *RecordIterator) Record() map[string]interface{} {
	return it.page[it.idx]
}

// Total returns the server-reported total for the query
func (it *RecordIterator) Total() int {
	return it.total
}

// Err returns the error that stopped iteration, if any
func (it *RecordIterator) Err() error {
	return it.err
}

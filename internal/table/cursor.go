package table

import (
	"bytes"
	"context"
)

// RangeCursor walks a sort key range page by page. It is restartable: a new
// cursor created at Position continues where this one stopped.
type RangeCursor[R any] struct {
	table        *Table[R]
	partitionKey []byte
	next         []byte
	end          []byte
	pageSize     int

	page []*Entry[R]
	cur  *Entry[R]
	done bool
	err  error
}

// Iterate returns a cursor over the live entries of partitionKey with
// start <= sort key < end. Nothing is read before the first Next.
func (t *Table[R]) Iterate(partitionKey, start, end []byte, pageSize int) *RangeCursor[R] {
	return &RangeCursor[R]{
		table:        t,
		partitionKey: partitionKey,
		next:         bytes.Clone(start),
		end:          end,
		pageSize:     pageSize,
	}
}

// Next advances to the next entry. It returns false at the end of the range
// or on error.
func (c *RangeCursor[R]) Next(ctx context.Context) bool {
	for len(c.page) == 0 {
		if c.done || c.err != nil {
			c.cur = nil
			return false
		}
		entries, next, err := c.table.GetRange(ctx, c.partitionKey, c.next, c.end, c.pageSize)
		if err != nil {
			c.err = err
			return false
		}
		c.page = entries
		if next == nil {
			c.done = true
		} else {
			c.next = next
		}
	}
	c.cur, c.page = c.page[0], c.page[1:]
	return true
}

// Entry returns the current entry.
func (c *RangeCursor[R]) Entry() *Entry[R] { return c.cur }

// Err returns the error that stopped the cursor.
func (c *RangeCursor[R]) Err() error { return c.err }

// Position is the start key that resumes the range after the current entry.
func (c *RangeCursor[R]) Position() []byte {
	if c.cur == nil {
		return bytes.Clone(c.next)
	}
	return append(bytes.Clone(c.cur.SortKey), 0)
}

package cache

import (
	"sort"

	"github.com/burugo/dbconn/internal/utils"
)

// Order is one sort key applied in memory.
type Order struct {
	Column string
	Desc   bool
}

// Selection describes how to read a subset of a snapshot.
type Selection struct {
	// PrimaryKey and ID filter the snapshot to a single row when ID is set.
	PrimaryKey string
	ID         *int64

	OrderBy []Order
	Offset  int
	Limit   int      // 0 = no limit
	Fields  []string // empty = all columns
}

// Apply evaluates sel against rows in memory. The input is never modified;
// every returned row is a fresh copy.
//
// Ordering is stable: the first key whose values differ decides, and rows
// equal on every key keep their snapshot order.
func Apply[R Row](rows []R, sel Selection) []R {
	matched := make([]R, 0, len(rows))
	for _, row := range rows {
		if sel.ID != nil {
			id, ok := utils.ToInt64(row[sel.PrimaryKey])
			if !ok || id != *sel.ID {
				continue
			}
		}
		matched = append(matched, row)
	}

	if len(sel.OrderBy) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range sel.OrderBy {
				cmp := utils.CompareValues(matched[i][o.Column], matched[j][o.Column])
				if cmp == 0 {
					continue
				}
				if o.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if sel.Offset > 0 {
		if sel.Offset >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[sel.Offset:]
		}
	}
	if sel.Limit > 0 && len(matched) > sel.Limit {
		matched = matched[:sel.Limit]
	}

	out := make([]R, len(matched))
	for i, row := range matched {
		out[i] = Project(row, sel.Fields)
	}
	return out
}

// Project returns a copy of row holding only fields, or every column when
// fields is empty. Missing fields are left out.
func Project[R Row](row R, fields []string) R {
	if len(fields) == 0 {
		c := make(R, len(row))
		for k, v := range row {
			c[k] = v
		}
		return c
	}
	c := make(R, len(fields))
	for _, f := range fields {
		if v, ok := row[f]; ok {
			c[f] = v
		}
	}
	return c
}

// Package query implements the Mango-style selector model used for access
// filtering and for the changed-documents-since-checkpoint pull query, plus
// an in-process executor that stores can delegate to.
package query

import (
	"sort"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
)

// Selector is a Mango-style selector tree.
type Selector = map[string]any

// SortField describes one sort criterion.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query is a declarative document query.
type Query struct {
	Selector Selector    `json:"selector"`
	Sort     []SortField `json:"sort,omitempty"`
	Skip     int         `json:"skip,omitempty"`
	Limit    int         `json:"limit,omitempty"`

	// ShowDeleted includes tombstones in the result set. Replication pulls
	// need deletions to propagate; plain REST queries do not.
	ShowDeleted bool `json:"showDeleted,omitempty"`
}

// Normalize returns the query with a non-nil selector, the form query
// modifiers are given to work on.
func (q Query) Normalize() Query {
	if q.Selector == nil {
		q.Selector = Selector{}
	}
	return q
}

// ChangedSinceQuery builds the pull query: all documents strictly after the
// checkpoint under the (lwt, id) ordering, sorted so that the document with
// the largest (lwt, id) sorts last.
func ChangedSinceQuery(primaryPath string, cp checkpoint.Checkpoint, limit int) Query {
	metaLWT := document.MetaField + "." + document.MetaLWT
	return Query{
		Selector: Selector{
			"$or": []any{
				Selector{metaLWT: Selector{"$gt": cp.LWT}},
				Selector{
					metaLWT:     Selector{"$eq": cp.LWT},
					primaryPath: Selector{"$gt": cp.ID},
				},
			},
		},
		Sort: []SortField{
			{Field: metaLWT},
			{Field: primaryPath},
		},
		Limit:       limit,
		ShowDeleted: true,
	}
}

// Execute runs a query against an in-memory document slice: filter, sort,
// skip, limit. The input slice is not modified.
func Execute(docs []document.Document, q Query) ([]document.Document, error) {
	match, err := Compile(q.Selector)
	if err != nil {
		return nil, err
	}

	out := make([]document.Document, 0, len(docs))
	for _, d := range docs {
		if !q.ShowDeleted && d.Deleted() {
			continue
		}
		if match(d) {
			out = append(out, d)
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return sortLess(out[i], out[j], q.Sort)
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return []document.Document{}, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortLess(a, b document.Document, fields []SortField) bool {
	for _, f := range fields {
		c := compareValues(lookupPath(a, f.Field), lookupPath(b, f.Field))
		if c == 0 {
			continue
		}
		if f.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

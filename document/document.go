// Package document contains the wire-level document representation shared by
// the replication server and the client driver. Documents are treated as
// opaque JSON objects beyond a handful of reserved fields.
package document

import (
	"encoding/json"
)

// Reserved field names. The payload of a document is never interpreted
// beyond these and the per-endpoint server-only field list.
const (
	DeletedField     = "_deleted"
	MetaField        = "_meta"
	RevField         = "_rev"
	AttachmentsField = "_attachments"

	// MetaLWT is the last-write-time key inside the _meta object.
	MetaLWT = "lwt"
)

// Document is a schemaless JSON document.
type Document map[string]any

// Primary returns the document's primary key value under the given field name.
func (d Document) Primary(primaryPath string) string {
	v, _ := d[primaryPath].(string)
	return v
}

// Deleted reports whether the document carries the deletion flag.
func (d Document) Deleted() bool {
	v, _ := d[DeletedField].(bool)
	return v
}

// LWT returns the last-write-time from the document metadata, or 0 when the
// document has no metadata. JSON decoding yields float64 for numbers, so
// both numeric representations are accepted.
func (d Document) LWT() int64 {
	meta, ok := d[MetaField].(map[string]any)
	if !ok {
		return 0
	}
	return toInt64(meta[MetaLWT])
}

// HasMeta reports whether the document carries a _meta object.
func (d Document) HasMeta() bool {
	_, ok := d[MetaField]
	return ok
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// WithMeta returns a shallow copy of the document with its metadata and
// revision marker replaced. Used by stores when committing a write.
func (d Document) WithMeta(lwt int64, rev string) Document {
	out := d.Clone()
	out[MetaField] = map[string]any{MetaLWT: lwt}
	out[RevField] = rev
	return out
}

// Equal compares two documents for semantic equality, ignoring the given
// field names. Comparison goes through canonical JSON so that numeric
// representation differences (int64 vs float64) do not matter.
func Equal(a, b Document, ignore ...string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca := a.Clone()
	cb := b.Clone()
	for _, f := range ignore {
		delete(ca, f)
		delete(cb, f)
	}
	ja, err := json.Marshal(ca)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(cb)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// Package checkpoint implements the replication sync cursor: a pair of
// document id and last-write-time that marks how far a pull has progressed.
package checkpoint

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/c0deZ3R0/go-replica-kit/document"
)

// Checkpoint is an opaque pull cursor. The zero value means
// "from the beginning".
type Checkpoint struct {
	ID  string `json:"id"`
	LWT int64  `json:"lwt"`
}

// FromQuery decodes a checkpoint from pull request query parameters.
// Malformed or missing values default instead of failing so that a first
// sync needs no cursor at all.
func FromQuery(values url.Values) Checkpoint {
	cp := Checkpoint{ID: values.Get("id")}
	if raw := values.Get("lwt"); raw != "" {
		if lwt, err := strconv.ParseInt(raw, 10, 64); err == nil && lwt > 0 {
			cp.LWT = lwt
		}
	}
	return cp
}

// FromDocument derives the checkpoint of a document from its primary key
// and its metadata last-write-time.
func FromDocument(doc document.Document, primaryPath string) Checkpoint {
	return Checkpoint{
		ID:  doc.Primary(primaryPath),
		LWT: doc.LWT(),
	}
}

// Values encodes the checkpoint as pull request query parameters.
func (c Checkpoint) Values() url.Values {
	v := url.Values{}
	v.Set("id", c.ID)
	v.Set("lwt", strconv.FormatInt(c.LWT, 10))
	return v
}

// Compare orders two checkpoints by (lwt, id). It returns a negative value
// when c is before other, zero when equal and positive when after.
func (c Checkpoint) Compare(other Checkpoint) int {
	if c.LWT != other.LWT {
		if c.LWT < other.LWT {
			return -1
		}
		return 1
	}
	return strings.Compare(c.ID, other.ID)
}

// IsZero reports whether the checkpoint marks the beginning of history.
func (c Checkpoint) IsZero() bool {
	return c.ID == "" && c.LWT == 0
}

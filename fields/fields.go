// Package fields implements the server-only field visibility layer: hidden
// fields are stripped from every document leaving the server and reattached
// from the stored copy when a client-originated write comes in, so clients
// can neither read, forge nor erase them.
package fields

import (
	"github.com/c0deZ3R0/go-replica-kit/document"
)

// alwaysHidden are storage-internal fields removed on every outgoing
// document regardless of endpoint configuration.
var alwaysHidden = []string{
	document.MetaField,
	document.RevField,
	document.AttachmentsField,
}

// Hidden returns the full hidden-field list for an endpoint: the configured
// server-only fields plus the storage-internal ones.
func Hidden(serverOnly []string) []string {
	out := make([]string, 0, len(serverOnly)+len(alwaysHidden))
	out = append(out, serverOnly...)
	out = append(out, alwaysHidden...)
	return out
}

// Strip returns a shallow copy of doc with every hidden field absent.
func Strip(doc document.Document, serverOnly []string) document.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	for _, f := range Hidden(serverOnly) {
		delete(out, f)
	}
	return out
}

// StripAll strips a batch of documents. The result is never nil so it
// serializes as a JSON array.
func StripAll(docs []document.Document, serverOnly []string) []document.Document {
	out := make([]document.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, Strip(d, serverOnly))
	}
	return out
}

// Merge returns a shallow copy of incoming with every hidden field taken
// from current. Client-supplied values for hidden fields are discarded; on
// first insert (current == nil) the hidden fields simply stay absent.
func Merge(incoming, current document.Document, serverOnly []string) document.Document {
	if incoming == nil {
		return nil
	}
	out := incoming.Clone()
	for _, f := range Hidden(serverOnly) {
		delete(out, f)
		if current != nil {
			if v, ok := current[f]; ok {
				out[f] = v
			}
		}
	}
	return out
}

// ContainsServerOnly reports whether doc carries a value for any of the
// configured server-only fields.
func ContainsServerOnly(serverOnly []string, doc document.Document) bool {
	if doc == nil {
		return false
	}
	for _, f := range serverOnly {
		if _, ok := doc[f]; ok {
			return true
		}
	}
	return false
}

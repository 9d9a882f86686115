// Package access derives document predicates from an auth context and a
// query-rewrite function. The same predicate gates what a client may read
// (pull, stream, REST responses) and what it may write (push, set, delete).
package access

import (
	"fmt"

	"github.com/c0deZ3R0/go-replica-kit/auth"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/query"
)

// QueryModifier restricts a query to what the authenticated caller is
// allowed to see, typically by adding ownership conditions to the selector.
type QueryModifier func(authData auth.Data, q query.Query) query.Query

// ChangeValidator decides whether one change row may be written by the
// authenticated caller. It receives the stripped view of both states so
// that server-only fields can never influence the decision.
type ChangeValidator func(authData auth.Data, row document.ChangeRow) bool

// IdentityModifier passes queries through unmodified (no restriction).
func IdentityModifier() QueryModifier {
	return func(_ auth.Data, q query.Query) query.Query { return q }
}

// AllowAllValidator accepts every change.
func AllowAllValidator() ChangeValidator {
	return func(auth.Data, document.ChangeRow) bool { return true }
}

// ModifyQuery applies the rewrite to a query and rejects selectors carrying
// pattern-matching operators anywhere in the tree.
func ModifyQuery(mod QueryModifier, authData auth.Data, q query.Query) (query.Query, error) {
	out := mod(authData, q.Normalize())
	if query.ContainsRegexOperator(out.Selector) {
		return query.Query{}, errors.NewProtocol(errors.OpQuery, fmt.Errorf("selector contains $regex operator"))
	}
	return out, nil
}

// DocMatcher compiles the access predicate: the rewrite applied to an
// unconstrained query, reduced to a document matcher.
func DocMatcher(mod QueryModifier, authData auth.Data) (query.Matcher, error) {
	q, err := ModifyQuery(mod, authData, query.Query{})
	if err != nil {
		return nil, err
	}
	matcher, err := query.Compile(q.Selector)
	if err != nil {
		return nil, errors.NewProtocol(errors.OpQuery, err)
	}
	return matcher, nil
}

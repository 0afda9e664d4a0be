// Package rdf provides the graph value model exchanged between the Triad
// core and its collaborators: subjects, typed triple values, in-memory
// concise bounded description (CBD) graphs and change-sets.
//
// The model is deliberately narrow. Triad stores one document per
// (resource, context) pair; this package only needs enough structure to
// materialize such a document as a graph, diff two graph states and apply
// additions/removals. Serialization formats (N-Quads, Turtle, RDF/XML) are
// out of scope.
package rdf

import (
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// RDFType is the predicate linking a subject to its rdf:type values.
// Type values drive specification filters in the impact analyzer.
const RDFType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

// Subject identifies one CBD: a resource URI in a named graph (context).
type Subject struct {
	Resource string `json:"resource"`
	Context  string `json:"context"`
}

// Hash returns a stable hex digest of the subject, used as a map key and
// as the subject component of impact-index keys. Two subjects hash equal
// iff resource and context are both equal.
func (s Subject) Hash() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(s.Resource))
	h.Write([]byte{0})
	h.Write([]byte(s.Context))
	return hex.EncodeToString(h.Sum(nil))
}

func (s Subject) String() string {
	return s.Resource + " " + s.Context
}

// ValueType distinguishes literal from resource-typed triple objects.
// A removal only matches when both type and value are equal.
type ValueType string

const (
	ValueLiteral  ValueType = "literal"
	ValueResource ValueType = "uri"
)

// Value is one triple object.
type Value struct {
	Type  ValueType `json:"type"`
	Value string    `json:"value"`
}

// Literal returns a literal-typed value.
func Literal(v string) Value { return Value{Type: ValueLiteral, Value: v} }

// Resource returns a resource-typed value.
func Resource(uri string) Value { return Value{Type: ValueResource, Value: uri} }

// PredicateValue is a triple with its subject factored out, the unit of
// change inside a ChangeUnit and the unit of storage inside a CBD document.
type PredicateValue struct {
	Predicate string `json:"predicate"`
	Value     Value  `json:"value"`
}

// sortValues orders values deterministically (type, then value).
func sortValues(vals []Value) {
	sort.Slice(vals, func(i, j int) bool {
		if vals[i].Type != vals[j].Type {
			return vals[i].Type < vals[j].Type
		}
		return vals[i].Value < vals[j].Value
	})
}

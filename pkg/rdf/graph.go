package rdf

import "sort"

// Graph is an in-memory set of triples grouped by subject. It is the
// materialized form of one or more CBDs: each subject maps to a
// predicate -> values table with set semantics (duplicate type+value
// pairs are not stored twice).
//
// Graph is not safe for concurrent mutation; the save path materializes
// a fresh graph per transaction.
type Graph struct {
	subjects map[Subject]map[string][]Value
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{subjects: make(map[Subject]map[string][]Value)}
}

// Add inserts a triple. Adding an identical (type, value) pair for the
// same subject and predicate is a no-op.
func (g *Graph) Add(s Subject, predicate string, v Value) {
	preds, ok := g.subjects[s]
	if !ok {
		preds = make(map[string][]Value)
		g.subjects[s] = preds
	}
	for _, existing := range preds[predicate] {
		if existing == v {
			return
		}
	}
	preds[predicate] = append(preds[predicate], v)
}

// Remove deletes a triple by exact type+value match. It reports whether
// the triple was present; callers that treat removal of an absent fact
// as a data-integrity error check the return value.
func (g *Graph) Remove(s Subject, predicate string, v Value) bool {
	preds, ok := g.subjects[s]
	if !ok {
		return false
	}
	vals := preds[predicate]
	for i, existing := range vals {
		if existing == v {
			vals = append(vals[:i], vals[i+1:]...)
			if len(vals) == 0 {
				delete(preds, predicate)
			} else {
				preds[predicate] = vals
			}
			if len(preds) == 0 {
				delete(g.subjects, s)
			}
			return true
		}
	}
	return false
}

// HasTriples reports whether any triple about the subject remains.
func (g *Graph) HasTriples(s Subject) bool {
	return len(g.subjects[s]) > 0
}

// Subjects returns all subjects with at least one triple, in a
// deterministic order.
func (g *Graph) Subjects() []Subject {
	out := make([]Subject, 0, len(g.subjects))
	for s := range g.subjects {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Context != out[j].Context {
			return out[i].Context < out[j].Context
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

// Predicates returns the predicate -> values table for a subject as a
// deep copy, with values in deterministic order. Returns nil when the
// subject has no triples.
func (g *Graph) Predicates(s Subject) map[string][]Value {
	preds, ok := g.subjects[s]
	if !ok || len(preds) == 0 {
		return nil
	}
	out := make(map[string][]Value, len(preds))
	for p, vals := range preds {
		cp := make([]Value, len(vals))
		copy(cp, vals)
		sortValues(cp)
		out[p] = cp
	}
	return out
}

// Values returns the values of one predicate on one subject.
func (g *Graph) Values(s Subject, predicate string) []Value {
	preds, ok := g.subjects[s]
	if !ok {
		return nil
	}
	vals := make([]Value, len(preds[predicate]))
	copy(vals, preds[predicate])
	sortValues(vals)
	return vals
}

// TypesOf returns the resource-typed rdf:type values of a subject.
func (g *Graph) TypesOf(s Subject) []string {
	var types []string
	for _, v := range g.Values(s, RDFType) {
		if v.Type == ValueResource {
			types = append(types, v.Value)
		}
	}
	return types
}

// FromPredicates loads a predicate table (as stored in a CBD document)
// into the graph under the given subject.
func (g *Graph) FromPredicates(s Subject, preds map[string][]Value) {
	for p, vals := range preds {
		for _, v := range vals {
			g.Add(s, p, v)
		}
	}
}

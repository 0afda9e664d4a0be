package rdf

import "sort"

// ChangeUnit is the change to a single subject: the triples added and the
// triples removed between two graph states.
type ChangeUnit struct {
	Subject   Subject          `json:"subject"`
	Additions []PredicateValue `json:"additions,omitempty"`
	Removals  []PredicateValue `json:"removals,omitempty"`
}

// ChangeSet is the difference between two graph states, one unit per
// changed subject. Units are ordered by subject for determinism.
type ChangeSet struct {
	Units []ChangeUnit `json:"units"`
}

// IsEmpty reports whether the change-set carries no changes at all.
func (cs *ChangeSet) IsEmpty() bool {
	for _, u := range cs.Units {
		if len(u.Additions) > 0 || len(u.Removals) > 0 {
			return false
		}
	}
	return true
}

// Subjects returns the subjects touched by the change-set, in unit order.
func (cs *ChangeSet) Subjects() []Subject {
	out := make([]Subject, 0, len(cs.Units))
	for _, u := range cs.Units {
		out = append(out, u.Subject)
	}
	return out
}

// Inverse returns a change-set that undoes this one: additions become
// removals and vice versa. Applying a change-set followed by its inverse
// restores the original triple content (document versions still advance).
func (cs *ChangeSet) Inverse() *ChangeSet {
	inv := &ChangeSet{Units: make([]ChangeUnit, len(cs.Units))}
	for i, u := range cs.Units {
		inv.Units[i] = ChangeUnit{
			Subject:   u.Subject,
			Additions: append([]PredicateValue(nil), u.Removals...),
			Removals:  append([]PredicateValue(nil), u.Additions...),
		}
	}
	return inv
}

// ChangedPredicates returns, per subject, the distinct predicates touched
// by the change-set. This is the input the impact analyzer matches against
// composite impact indexes.
func (cs *ChangeSet) ChangedPredicates() map[Subject][]string {
	out := make(map[Subject][]string, len(cs.Units))
	for _, u := range cs.Units {
		seen := make(map[string]struct{})
		for _, pv := range u.Additions {
			seen[pv.Predicate] = struct{}{}
		}
		for _, pv := range u.Removals {
			seen[pv.Predicate] = struct{}{}
		}
		preds := make([]string, 0, len(seen))
		for p := range seen {
			preds = append(preds, p)
		}
		sort.Strings(preds)
		out[u.Subject] = preds
	}
	return out
}

// Diff computes the change-set between two graph states. A triple present
// in new but not old is an addition; present in old but not new is a
// removal. Comparison is exact (predicate, value type, value).
func Diff(old, new *Graph) *ChangeSet {
	cs := &ChangeSet{}
	subjects := make(map[Subject]struct{})
	for _, s := range old.Subjects() {
		subjects[s] = struct{}{}
	}
	for _, s := range new.Subjects() {
		subjects[s] = struct{}{}
	}

	ordered := make([]Subject, 0, len(subjects))
	for s := range subjects {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Context != ordered[j].Context {
			return ordered[i].Context < ordered[j].Context
		}
		return ordered[i].Resource < ordered[j].Resource
	})

	for _, s := range ordered {
		unit := ChangeUnit{Subject: s}
		oldPreds := old.Predicates(s)
		newPreds := new.Predicates(s)

		for _, p := range predicateNames(newPreds) {
			for _, v := range newPreds[p] {
				if !containsValue(oldPreds[p], v) {
					unit.Additions = append(unit.Additions, PredicateValue{Predicate: p, Value: v})
				}
			}
		}
		for _, p := range predicateNames(oldPreds) {
			for _, v := range oldPreds[p] {
				if !containsValue(newPreds[p], v) {
					unit.Removals = append(unit.Removals, PredicateValue{Predicate: p, Value: v})
				}
			}
		}

		if len(unit.Additions) > 0 || len(unit.Removals) > 0 {
			cs.Units = append(cs.Units, unit)
		}
	}
	return cs
}

func predicateNames(preds map[string][]Value) []string {
	names := make([]string, 0, len(preds))
	for p := range preds {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func containsValue(vals []Value, v Value) bool {
	for _, existing := range vals {
		if existing == v {
			return true
		}
	}
	return false
}

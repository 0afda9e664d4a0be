// Package impact determines which composite documents a committed
// change makes stale, and which subjects need first-time composite
// generation. Its output is a set of regeneration tasks partitioned
// into sync and async by the store's routing policy.
package impact

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// ImpactedSubject is one regeneration task: this subject requires
// regeneration of the named operation families, optionally restricted
// to specific specification ids. It is a transient value: created
// here, consumed by the dispatcher or a queue worker, and persisted
// only inside a queue payload.
type ImpactedSubject struct {
	Subject    rdf.Subject    `json:"subject"`
	Operations []store.OpType `json:"operations"`
	StoreName  string         `json:"store"`
	PodName    string         `json:"pod"`

	// SpecTypes restricts regeneration to specific specification ids.
	// Empty means every specification matching the subject.
	SpecTypes []string `json:"spec_types,omitempty"`
}

// OperationSet partitions regeneration tasks by routing policy.
type OperationSet struct {
	Sync  []*ImpactedSubject
	Async []*ImpactedSubject
}

// Analyzer produces regeneration tasks from a committed change. Two
// discovery passes feed one bucket structure:
//
//   - applicable operations: a changed subject whose current rdf:type
//     matches a specification's type filter needs its own composite
//     (re)generated; this covers first-time generation;
//   - impacted operations: any existing composite whose impact index
//     references a changed subject must be rebuilt, keyed by the
//     composite's own subject, which may differ from the changed one.
//
// When both passes target the same subject and operation, the impacted
// entry wins: it carries the more precise specification hint.
type Analyzer struct {
	cfg        *config.Config
	composites map[store.OpType]store.CompositeStore
	log        logrus.FieldLogger
}

// NewAnalyzer builds an impact analyzer over the store's composite
// collections.
func NewAnalyzer(cfg *config.Config, composites map[store.OpType]store.CompositeStore, log logrus.FieldLogger) *Analyzer {
	return &Analyzer{cfg: cfg, composites: composites, log: log}
}

// activeOps returns the operation families worth considering: families
// with no specification configured are dropped entirely, so no work is
// produced for search when no search specification exists.
func (a *Analyzer) activeOps() []store.OpType {
	return a.cfg.ActiveOps()
}

// ApplicableOperations emits one task per changed subject and operation
// family whose specifications' type filters match the subject's current
// rdf:type values.
func (a *Analyzer) ApplicableOperations(ctx context.Context, newCBDs map[string]*store.CBDDocument) []*ImpactedSubject {
	var tasks []*ImpactedSubject
	for _, doc := range newCBDs {
		types := doc.Types()
		if len(types) == 0 {
			continue
		}
		for _, op := range a.activeOps() {
			if !typeMatches(a.cfg.SpecsFor(op), types) {
				continue
			}
			tasks = append(tasks, &ImpactedSubject{
				Subject:    doc.Subject,
				Operations: []store.OpType{op},
				StoreName:  a.cfg.StoreName,
				PodName:    a.cfg.PodName,
			})
		}
	}
	return tasks
}

// ImpactedOperations queries each composite collection's impact index
// for documents referencing any changed subject, and emits one task per
// match keyed by the composite's own subject with the owning
// specification as the regeneration hint. The changed predicates are
// carried for symmetry with deferred discovery; the index is keyed by
// subject, so predicate-level filtering happens at regeneration time.
func (a *Analyzer) ImpactedOperations(ctx context.Context, changed map[rdf.Subject][]string) ([]*ImpactedSubject, error) {
	subjects := make([]rdf.Subject, 0, len(changed))
	for s := range changed {
		subjects = append(subjects, s)
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i].String() < subjects[j].String() })

	var tasks []*ImpactedSubject
	for _, op := range a.activeOps() {
		cs, ok := a.composites[op]
		if !ok {
			continue
		}
		docs, err := cs.FindByImpactIndex(ctx, subjects)
		if err != nil {
			return nil, errors.Wrapf(err, "impact: querying %s impact index", op)
		}
		for _, doc := range docs {
			tasks = append(tasks, &ImpactedSubject{
				Subject:    doc.Subject,
				Operations: []store.OpType{op},
				StoreName:  a.cfg.StoreName,
				PodName:    a.cfg.PodName,
				SpecTypes:  []string{doc.SpecID},
			})
		}
	}
	return tasks, nil
}

// Operations runs both discovery passes, merges their tasks and routes
// each operation family per the configured policy.
func (a *Analyzer) Operations(ctx context.Context, newCBDs map[string]*store.CBDDocument, changed map[rdf.Subject][]string) (*OperationSet, error) {
	impacted, err := a.ImpactedOperations(ctx, changed)
	if err != nil {
		return nil, err
	}
	merged := Merge(a.ApplicableOperations(ctx, newCBDs), impacted)

	out := &OperationSet{}
	for _, task := range merged {
		sync, async := a.route(task)
		if sync != nil {
			out.Sync = append(out.Sync, sync)
		}
		if async != nil {
			out.Async = append(out.Async, async)
		}
	}
	return out, nil
}

// route splits one task by per-operation policy. A task spanning a sync
// family and an async family becomes two tasks.
func (a *Analyzer) route(task *ImpactedSubject) (sync, async *ImpactedSubject) {
	var syncOps, asyncOps []store.OpType
	for _, op := range task.Operations {
		if a.cfg.Routing.Async(op) {
			asyncOps = append(asyncOps, op)
		} else {
			syncOps = append(syncOps, op)
		}
	}
	if len(syncOps) > 0 {
		cp := *task
		cp.Operations = syncOps
		sync = &cp
	}
	if len(asyncOps) > 0 {
		cp := *task
		cp.Operations = asyncOps
		async = &cp
	}
	return sync, async
}

// Merge collapses tasks targeting the same subject into one task with a
// multi-valued operation list. For the same subject and operation, a
// restricted hint (the impacted pass) replaces an unrestricted one (the
// applicable pass), and two restricted hints union: a subject owning
// several composites of the same family must have every one of them
// regenerated.
func Merge(applicable, impacted []*ImpactedSubject) []*ImpactedSubject {
	type bucket struct {
		subject rdf.Subject
		store   string
		pod     string
		// per operation: the merged spec restriction (nil = all specs)
		specs map[store.OpType][]string
		order int
	}
	buckets := make(map[string]*bucket)
	seq := 0

	absorb := func(tasks []*ImpactedSubject) {
		for _, task := range tasks {
			key := task.Subject.Hash() + "|" + task.StoreName + "|" + task.PodName
			b, ok := buckets[key]
			if !ok {
				b = &bucket{
					subject: task.Subject,
					store:   task.StoreName,
					pod:     task.PodName,
					specs:   make(map[store.OpType][]string),
					order:   seq,
				}
				buckets[key] = b
				seq++
			}
			for _, op := range task.Operations {
				existing, seen := b.specs[op]
				switch {
				case !seen:
					b.specs[op] = append([]string(nil), task.SpecTypes...)
				case len(task.SpecTypes) == 0:
					// an unrestricted hit never widens a restricted one
				case len(existing) == 0:
					b.specs[op] = append([]string(nil), task.SpecTypes...)
				default:
					b.specs[op] = unionSpecs(existing, task.SpecTypes)
				}
			}
		}
	}
	absorb(applicable)
	absorb(impacted)

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	out := make([]*ImpactedSubject, 0, len(ordered))
	for _, b := range ordered {
		// Tasks sharing spec restrictions collapse; ops with different
		// restrictions split so a hint never widens or narrows another
		// operation's regeneration.
		bySpecs := make(map[string]*ImpactedSubject)
		var keys []string
		for _, op := range store.AllOps {
			specs, ok := b.specs[op]
			if !ok {
				continue
			}
			k := specsKey(specs)
			t, exists := bySpecs[k]
			if !exists {
				t = &ImpactedSubject{
					Subject:   b.subject,
					StoreName: b.store,
					PodName:   b.pod,
					SpecTypes: specs,
				}
				bySpecs[k] = t
				keys = append(keys, k)
			}
			t.Operations = append(t.Operations, op)
		}
		for _, k := range keys {
			out = append(out, bySpecs[k])
		}
	}
	return out
}

func unionSpecs(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func specsKey(specs []string) string {
	if len(specs) == 0 {
		return ""
	}
	cp := append([]string(nil), specs...)
	sort.Strings(cp)
	k := cp[0]
	for _, s := range cp[1:] {
		k += "," + s
	}
	return k
}

func typeMatches(specs []config.Specification, types []string) bool {
	for _, spec := range specs {
		for _, t := range types {
			if spec.Type == t {
				return true
			}
		}
	}
	return false
}

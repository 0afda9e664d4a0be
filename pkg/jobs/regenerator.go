// Package jobs carries regeneration work from a committed save to the
// composite collections: inline dispatch for sync operation families,
// queue jobs and worker processing for async ones, and job groups for
// bulk regeneration passes.
package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// Regenerator is the capability that builds one composite document from
// a CBD. The generation algorithm is pluggable; the core only requires
// that regeneration fully replaces the composite's body and impact
// index, and removes the composite when the source no longer qualifies.
type Regenerator interface {
	RegenerateOne(ctx context.Context, op store.OpType, spec config.Specification, subject rdf.Subject) error

	// DeleteBySpec removes every composite of one specification,
	// returning the number removed. Used when a specification is retired.
	DeleteBySpec(ctx context.Context, op store.OpType, specID string) (int, error)
}

// Projection is the built-in Regenerator: it copies the specification's
// projected predicates from the source CBD into the composite body. The
// impact index records the source subject plus every resource the
// projected values point at, so changes to joined-in subjects invalidate
// the composite too.
type Projection struct {
	cbds       store.CBDStore
	composites map[store.OpType]store.CompositeStore
	log        logrus.FieldLogger
}

// NewProjection builds the projection regenerator.
func NewProjection(cbds store.CBDStore, composites map[store.OpType]store.CompositeStore, log logrus.FieldLogger) *Projection {
	return &Projection{cbds: cbds, composites: composites, log: log}
}

// RegenerateOne rebuilds (or removes) the composite a subject owns under
// one specification. A tombstoned source, a missing source, or a source
// whose rdf:type no longer matches the specification's filter deletes
// the composite.
func (p *Projection) RegenerateOne(ctx context.Context, op store.OpType, spec config.Specification, subject rdf.Subject) error {
	cs, ok := p.composites[op]
	if !ok {
		return errors.Errorf("jobs: no composite store for %s", op)
	}

	doc, err := p.cbds.Get(ctx, subject)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "jobs: loading source CBD %s", subject)
	}
	if err != nil || doc.Tombstone() || !hasType(doc, spec.Type) {
		if derr := cs.DeleteForSubject(ctx, subject, spec.ID); derr != nil {
			return errors.Wrapf(derr, "jobs: removing composite %s/%s", spec.ID, subject)
		}
		return nil
	}

	body := make(map[string][]rdf.Value)
	index := []rdf.Subject{subject}
	seen := map[string]struct{}{subject.Hash(): {}}

	predicates := spec.Predicates
	if len(predicates) == 0 {
		for pred := range doc.Predicates {
			predicates = append(predicates, pred)
		}
	}
	for _, pred := range predicates {
		vals, ok := doc.Predicates[pred]
		if !ok {
			continue
		}
		body[pred] = append([]rdf.Value(nil), vals...)
		for _, v := range vals {
			if v.Type != rdf.ValueResource {
				continue
			}
			joined := rdf.Subject{Resource: v.Value, Context: subject.Context}
			if _, dup := seen[joined.Hash()]; dup {
				continue
			}
			seen[joined.Hash()] = struct{}{}
			index = append(index, joined)
		}
	}

	now := time.Now()
	composite := &store.CompositeDocument{
		ID:          store.CompositeID(subject, spec.ID),
		Subject:     subject,
		SpecID:      spec.ID,
		Body:        body,
		ImpactIndex: index,
		CreatedTs:   now,
		UpdatedTs:   now,
	}
	if existing, err := cs.Get(ctx, composite.ID); err == nil {
		composite.CreatedTs = existing.CreatedTs
	}
	if err := cs.Put(ctx, composite); err != nil {
		return errors.Wrapf(err, "jobs: writing composite %s/%s", spec.ID, subject)
	}
	return nil
}

// DeleteBySpec removes every composite of one specification.
func (p *Projection) DeleteBySpec(ctx context.Context, op store.OpType, specID string) (int, error) {
	cs, ok := p.composites[op]
	if !ok {
		return 0, errors.Errorf("jobs: no composite store for %s", op)
	}
	// A cutoff in the future matches every row regardless of age.
	return cs.DeleteBySpecAndAge(ctx, specID, time.Now().Add(time.Hour))
}

func hasType(doc *store.CBDDocument, rdfType string) bool {
	for _, t := range doc.Types() {
		if t == rdfType {
			return true
		}
	}
	return false
}

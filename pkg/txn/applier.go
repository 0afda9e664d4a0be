package txn

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// Errors surfaced by change application. Both are fatal for the
// transaction; the saver responds with a rollback.
var (
	// ErrRemovalIntegrity means a removal named a triple that is not in
	// the stored document. Removing a non-existent fact is never silently
	// ignored.
	ErrRemovalIntegrity = errors.New("txn: removal of non-existent triple")

	// ErrCardinality rejects a save whose new graph carries more than one
	// value for a single-valued predicate. Raised before any lock is
	// taken; fully recoverable by the caller.
	ErrCardinality = errors.New("txn: cardinality violation")
)

// ApplyResult reports what a change-set did: the post-image of every
// written document keyed by subject hash, and the resource URIs of
// updated and deleted (tombstoned) subjects.
type ApplyResult struct {
	NewCBDs         map[string]*store.CBDDocument
	UpdatedSubjects []string
	DeletedSubjects []string
}

// Applier mutates CBDs under lock: one versioned compare-and-swap per
// changed subject, updates before deletes.
type Applier struct {
	cbds        store.CBDStore
	cardinality map[string]int
	clock       func() time.Time
	log         logrus.FieldLogger
}

// NewApplier builds a change applier. cardinality maps single-valued
// predicates to 1 (the only supported bound).
func NewApplier(cbds store.CBDStore, cardinality map[string]int, log logrus.FieldLogger) *Applier {
	return &Applier{cbds: cbds, cardinality: cardinality, clock: time.Now, log: log}
}

// ValidateCardinality checks the new graph state against the configured
// single-valued predicates. Runs before any lock is taken so a violation
// costs nothing to retry.
func (a *Applier) ValidateCardinality(g *rdf.Graph) error {
	if len(a.cardinality) == 0 {
		return nil
	}
	for _, subject := range g.Subjects() {
		for predicate, max := range a.cardinality {
			if vals := g.Values(subject, predicate); len(vals) > max {
				return errors.Wrapf(ErrCardinality,
					"%d values for %s on %s, maximum %d", len(vals), predicate, subject.Resource, max)
			}
		}
	}
	return nil
}

// Apply executes the change-set against the locked pre-images. Each
// subject's new document is built in memory first; all removals must
// match stored triples exactly. Writes are versioned compare-and-swaps:
// updates first, then tombstone deletes. Any failure aborts with an
// error and leaves the caller to roll back whatever was written.
func (a *Applier) Apply(ctx context.Context, cs *rdf.ChangeSet, originals map[string]*store.CBDDocument, transactionID string) (*ApplyResult, error) {
	type write struct {
		doc        *store.CBDDocument
		preVersion int64
		upsert     bool
	}
	var updates, deletes []write

	result := &ApplyResult{NewCBDs: make(map[string]*store.CBDDocument, len(cs.Units))}

	for _, unit := range cs.Units {
		pre, ok := originals[unit.Subject.Hash()]
		if !ok {
			pre = store.NewCBDDocument(unit.Subject)
		}
		firstWrite := pre.NeverWritten()

		g := pre.Graph()
		for _, pv := range unit.Removals {
			if !g.Remove(unit.Subject, pv.Predicate, pv.Value) {
				return nil, errors.Wrapf(ErrRemovalIntegrity,
					"%s %s %q on %s", unit.Subject.Resource, pv.Predicate, pv.Value.Value, unit.Subject.Context)
			}
		}
		for _, pv := range unit.Additions {
			g.Add(unit.Subject, pv.Predicate, pv.Value)
		}

		now := a.clock()
		doc := &store.CBDDocument{
			Subject:    unit.Subject,
			Predicates: g.Predicates(unit.Subject),
			UpdatedTs:  now,
		}
		if firstWrite {
			doc.Version = 0
			doc.CreatedTs = now
		} else {
			doc.Version = pre.Version + 1
			doc.CreatedTs = pre.CreatedTs
		}

		w := write{doc: doc, preVersion: pre.Version, upsert: firstWrite}
		if doc.Tombstone() {
			deletes = append(deletes, w)
			result.DeletedSubjects = append(result.DeletedSubjects, unit.Subject.Resource)
		} else {
			updates = append(updates, w)
			result.UpdatedSubjects = append(result.UpdatedSubjects, unit.Subject.Resource)
		}
		result.NewCBDs[unit.Subject.Hash()] = doc
	}

	for _, w := range append(updates, deletes...) {
		if err := a.cbds.CompareAndReplace(ctx, w.doc, w.preVersion, w.upsert); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"transaction_id": transactionID,
				"subject":        w.doc.Subject.String(),
				"version":        w.preVersion,
			}).Error("versioned write rejected")
			return nil, errors.Wrapf(err, "txn: writing %s at version %d", w.doc.Subject, w.preVersion)
		}
	}
	return result, nil
}

package txn

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/impact"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// Dispatcher consumes the regeneration tasks a committed save produces.
// Sync dispatch errors propagate to the SaveChanges caller; async
// dispatch only fails if enqueueing itself fails.
type Dispatcher interface {
	DispatchSync(ctx context.Context, tasks []*impact.ImpactedSubject) error
	DispatchAsync(ctx context.Context, tasks []*impact.ImpactedSubject) error
}

// Analyzer determines which composites a committed change makes stale.
// Implemented by pkg/impact; declared as an interface so the saver
// depends only on the contract.
type Analyzer interface {
	Operations(ctx context.Context, newCBDs map[string]*store.CBDDocument, changed map[rdf.Subject][]string) (*impact.OperationSet, error)
}

// Saver runs the transactional save path:
//
//	building -> locking -> logging -> applying -> unlocking -> completing
//
// with rollback (cancelling -> restoring -> unlocking -> failed) on any
// application error. After the log entry completes, stale composites are
// regenerated inline or enqueued per the routing policy.
type Saver struct {
	locks      *LockManager
	txlog      *Log
	applier    *Applier
	analyzer   Analyzer
	dispatcher Dispatcher
	cbds       store.CBDStore
	log        logrus.FieldLogger
}

// NewSaver wires the save path. analyzer and dispatcher may be nil for
// stores with no composite specifications.
func NewSaver(locks *LockManager, txlog *Log, applier *Applier, analyzer Analyzer, dispatcher Dispatcher, cbds store.CBDStore, log logrus.FieldLogger) *Saver {
	return &Saver{
		locks:      locks,
		txlog:      txlog,
		applier:    applier,
		analyzer:   analyzer,
		dispatcher: dispatcher,
		cbds:       cbds,
		log:        log,
	}
}

// NewTransactionID returns a fresh caller-visible transaction id.
func NewTransactionID() string {
	return "transaction_" + uuid.NewString()
}

// SaveChanges diffs the two graph states and applies the difference as
// one transaction. An empty diff is a no-op success: no log entry, no
// locks. On success the change-set is returned for callers that want to
// inspect what changed.
func (s *Saver) SaveChanges(ctx context.Context, oldGraph, newGraph *rdf.Graph) (*rdf.ChangeSet, error) {
	// building
	cs := rdf.Diff(oldGraph, newGraph)
	if cs.IsEmpty() {
		return cs, nil
	}
	if err := s.applier.ValidateCardinality(newGraph); err != nil {
		return nil, err
	}

	transactionID := NewTransactionID()
	logger := s.log.WithField("transaction_id", transactionID)
	subjects := cs.Subjects()

	// locking
	originals, lockErr := s.locks.LockAll(ctx, subjects, transactionID)
	if lockErr != nil {
		// Record the attempted-but-failed transaction for the audit trail.
		if err := s.txlog.CreateNew(ctx, transactionID, cs, nil, true); err != nil {
			logger.WithError(err).Error("recording failed-lock transaction")
		} else if err := s.txlog.Fail(ctx, transactionID, lockErr); err != nil {
			logger.WithError(err).Error("marking failed-lock transaction")
		}
		return nil, errors.Wrap(lockErr, "txn: save aborted")
	}

	// logging
	if err := s.txlog.CreateNew(ctx, transactionID, cs, originals, false); err != nil {
		s.locks.UnlockAll(ctx, transactionID)
		return nil, err
	}

	// applying
	result, applyErr := s.applier.Apply(ctx, cs, originals, transactionID)
	if applyErr != nil {
		if err := s.rollback(ctx, transactionID, originals, applyErr); err != nil {
			return nil, err
		}
		return nil, errors.Wrap(applyErr, "txn: transaction rolled back")
	}

	// unlocking, then completing. A crash between these two steps leaves
	// inert locks: the log says completed while lock records survive.
	// RemoveInertLocks is the remediation.
	s.locks.UnlockAll(ctx, transactionID)
	if err := s.txlog.Complete(ctx, transactionID, result.NewCBDs); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"updated": len(result.UpdatedSubjects),
		"deleted": len(result.DeletedSubjects),
	}).Info("transaction committed")

	if err := s.regenerate(ctx, result, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// rollback restores every pre-image verbatim, purges documents the
// apply loop upserted for first-write subjects, releases the locks and
// fails the log entry. A restore or purge failure is unrecoverable: the
// store now holds a partial application that the caller must treat as a
// process-level fault.
func (s *Saver) rollback(ctx context.Context, transactionID string, originals map[string]*store.CBDDocument, cause error) error {
	logger := s.log.WithField("transaction_id", transactionID)
	logger.WithError(cause).Warn("rolling back transaction")

	if err := s.txlog.Cancel(ctx, transactionID, cause); err != nil {
		logger.WithError(err).Error("marking transaction cancelling")
	}
	for _, doc := range originals {
		if doc.NeverWritten() {
			// The apply loop may already have upserted this first-write
			// subject; its pre-transaction state is no document at all.
			if err := s.cbds.Purge(ctx, doc.Subject); err != nil {
				logger.WithError(err).WithField("subject", doc.Subject.String()).
					Error("first-write purge failed; store state is inconsistent")
				return errors.Wrapf(err, "txn: unrecoverable rollback failure purging %s", doc.Subject)
			}
			continue
		}
		if err := s.cbds.Restore(ctx, doc); err != nil {
			logger.WithError(err).WithField("subject", doc.Subject.String()).
				Error("pre-image restore failed; store state is inconsistent")
			return errors.Wrapf(err, "txn: unrecoverable rollback failure restoring %s", doc.Subject)
		}
	}
	s.locks.UnlockAll(ctx, transactionID)
	if err := s.txlog.Fail(ctx, transactionID, cause); err != nil {
		logger.WithError(err).Error("marking transaction failed")
	}
	return nil
}

// regenerate runs impact analysis over the committed change and
// dispatches the resulting tasks. Sync failures propagate; the
// transaction itself stays committed.
func (s *Saver) regenerate(ctx context.Context, result *ApplyResult, cs *rdf.ChangeSet) error {
	if s.analyzer == nil || s.dispatcher == nil {
		return nil
	}
	ops, err := s.analyzer.Operations(ctx, result.NewCBDs, cs.ChangedPredicates())
	if err != nil {
		return errors.Wrap(err, "txn: impact analysis")
	}
	if err := s.dispatcher.DispatchSync(ctx, ops.Sync); err != nil {
		return errors.Wrap(err, "txn: synchronous regeneration")
	}
	if err := s.dispatcher.DispatchAsync(ctx, ops.Async); err != nil {
		return errors.Wrap(err, "txn: enqueueing regeneration")
	}
	return nil
}

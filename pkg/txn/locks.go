// Package txn implements the transactional save path of a Triad store:
// multi-subject advisory locking, the write-ahead transaction log,
// change application with per-document optimistic versioning, rollback,
// and administrative remediation of inert locks.
//
// There is no native multi-document transaction underneath. Writes are
// serialized per subject by the locks collection, and each document
// write is an atomic compare-and-swap on its version; a failed
// transaction restores the pre-image of every touched document from the
// log entry. The log entry reaching status completed is the durability
// boundary.
package txn

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// ErrLockExhausted means a batch of subjects could not all be locked
// within the configured retry budget. The transaction fails with no
// partial application.
var ErrLockExhausted = errors.New("txn: lock acquisition exhausted")

// LockManager acquires and releases per-subject advisory locks for the
// duration of a transaction.
//
// Locking is all-or-nothing per batch: if any subject in the batch is
// held by another transaction, every lock obtained in the attempt is
// released and the whole batch retries after a randomized backoff. This
// avoids deadlock between transactions locking overlapping subject sets
// in different orders, at the cost of retry amplification under
// contention. Transactions here are short and subject sets small.
type LockManager struct {
	locks    store.LockStore
	cbds     store.CBDStore
	attempts int
	base     time.Duration
	log      logrus.FieldLogger
}

// NewLockManager builds a lock manager. attempts bounds the number of
// whole-batch tries; base is the backoff interval between them
// (randomized ±50%).
func NewLockManager(locks store.LockStore, cbds store.CBDStore, attempts int, base time.Duration, log logrus.FieldLogger) *LockManager {
	if attempts <= 0 {
		attempts = 20
	}
	if base <= 0 {
		base = 25 * time.Millisecond
	}
	return &LockManager{locks: locks, cbds: cbds, attempts: attempts, base: base, log: log}
}

// LockAll locks every subject for the transaction and returns the
// pre-image CBD of each, keyed by subject hash. Subjects without a
// stored document get a fresh never-written pre-image; nothing is
// persisted for them until the change applier writes.
//
// Returns ErrLockExhausted after the retry budget is spent; in that
// case zero locks remain held by the transaction.
func (lm *LockManager) LockAll(ctx context.Context, subjects []rdf.Subject, transactionID string) (map[string]*store.CBDDocument, error) {
	if len(subjects) == 0 {
		return map[string]*store.CBDDocument{}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = lm.base
	policy.RandomizationFactor = 0.5
	policy.Multiplier = 1.0
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if lm.tryLockBatch(ctx, subjects, transactionID) {
			return nil
		}
		return errors.Errorf("attempt %d: batch not fully locked", attempt)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(lm.attempts-1)), ctx))
	if err != nil {
		lm.log.WithFields(logrus.Fields{
			"transaction_id": transactionID,
			"subjects":       len(subjects),
			"attempts":       attempt,
		}).Error("lock acquisition exhausted")
		return nil, errors.Wrapf(ErrLockExhausted, "%d subjects after %d attempts", len(subjects), attempt)
	}

	originals := make(map[string]*store.CBDDocument, len(subjects))
	for _, subject := range subjects {
		doc, err := lm.cbds.GetOrInit(ctx, subject)
		if err != nil {
			// Locks are held but the pre-image read failed; release and
			// surface the error rather than applying blind.
			lm.UnlockAll(ctx, transactionID)
			return nil, errors.Wrapf(err, "txn: reading pre-image for %s", subject)
		}
		originals[subject.Hash()] = doc
	}
	return originals, nil
}

// tryLockBatch attempts one pass over the batch. On any miss it releases
// everything obtained in this pass and reports false. Persistence errors
// while inserting a lock are logged and treated as "not obtained" so
// transient faults retry rather than abort.
func (lm *LockManager) tryLockBatch(ctx context.Context, subjects []rdf.Subject, transactionID string) bool {
	now := time.Now()
	allLocked := true
	for _, subject := range subjects {
		err := lm.locks.TryInsert(ctx, subject, transactionID, now)
		if err == nil {
			continue
		}
		allLocked = false
		if !errors.Is(err, store.ErrLockHeld) {
			lm.log.WithError(err).WithField("subject", subject.String()).
				Warn("lock insert failed; treating as not obtained")
		}
	}
	if !allLocked {
		lm.UnlockAll(ctx, transactionID)
	}
	return allLocked
}

// UnlockAll releases every lock tagged with the transaction. Idempotent:
// releasing zero locks is not an error, so rollback may call it for a
// transaction that never fully locked.
func (lm *LockManager) UnlockAll(ctx context.Context, transactionID string) {
	released, err := lm.locks.DeleteByTransaction(ctx, transactionID)
	if err != nil {
		lm.log.WithError(err).WithField("transaction_id", transactionID).
			Error("unlock failed; locks may need inert-lock removal")
		return
	}
	if len(released) > 0 {
		lm.log.WithFields(logrus.Fields{
			"transaction_id": transactionID,
			"released":       len(released),
		}).Debug("locks released")
	}
}

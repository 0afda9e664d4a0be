package txn

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// ErrNoOriginals rejects creating a log entry whose pre-image set is
// empty when the change-set is not: it means locking never produced a
// pre-image and the transaction must fail instead of applying blind.
var ErrNoOriginals = errors.New("txn: transaction has no pre-image documents")

// Log is the write-ahead transaction log. An entry is created after
// locks are obtained and before any document mutation; the transaction
// is committed exactly when its entry reaches status completed.
type Log struct {
	entries   store.TxLogStore
	storeName string
	podName   string
	clock     func() time.Time
	log       logrus.FieldLogger
}

// NewLog builds a transaction log for one store/pod.
func NewLog(entries store.TxLogStore, storeName, podName string, log logrus.FieldLogger) *Log {
	return &Log{entries: entries, storeName: storeName, podName: podName, clock: time.Now, log: log}
}

// CreateNew records an in_progress entry carrying the intended change
// and the pre-image of every locked document. An empty pre-image set
// with a non-empty change-set is rejected with ErrNoOriginals.
//
// allowEmpty exists for the audit-trail case: a transaction whose
// locking failed still gets an entry (with no pre-images) which the
// caller immediately fails.
func (l *Log) CreateNew(ctx context.Context, id string, cs *rdf.ChangeSet, originals map[string]*store.CBDDocument, allowEmpty bool) error {
	if !allowEmpty && len(originals) == 0 && cs != nil && !cs.IsEmpty() {
		return ErrNoOriginals
	}
	entry := &store.TxLogEntry{
		ID:           id,
		Kind:         store.KindTransaction,
		StoreName:    l.storeName,
		PodName:      l.podName,
		ChangeSet:    cs,
		OriginalCBDs: originals,
		Status:       store.TxInProgress,
		StartTime:    l.clock(),
	}
	if err := l.entries.Insert(ctx, entry); err != nil {
		return errors.Wrapf(err, "txn: creating log entry %s", id)
	}
	return nil
}

// Complete marks the transaction committed, recording the post-image of
// every written document. Only valid from in_progress; a completed entry
// is immutable thereafter.
func (l *Log) Complete(ctx context.Context, id string, newCBDs map[string]*store.CBDDocument) error {
	entry, err := l.entries.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "txn: loading log entry %s", id)
	}
	now := l.clock()
	entry.Status = store.TxCompleted
	entry.NewCBDs = newCBDs
	entry.EndTime = &now
	if err := l.entries.Update(ctx, entry); err != nil {
		return errors.Wrapf(err, "txn: completing log entry %s", id)
	}
	return nil
}

// Cancel marks the transaction as rolling back, recording the cause.
// Called at the start of rollback, before any pre-image restore.
func (l *Log) Cancel(ctx context.Context, id string, cause error) error {
	entry, err := l.entries.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "txn: loading log entry %s", id)
	}
	entry.Status = store.TxCancelling
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := l.entries.Update(ctx, entry); err != nil {
		return errors.Wrapf(err, "txn: cancelling log entry %s", id)
	}
	return nil
}

// Fail marks the transaction failed, recording end and failure times.
// Valid from in_progress (locking never succeeded) and from cancelling
// (end of rollback).
func (l *Log) Fail(ctx context.Context, id string, cause error) error {
	entry, err := l.entries.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "txn: loading log entry %s", id)
	}
	now := l.clock()
	entry.Status = store.TxFailed
	entry.EndTime = &now
	entry.FailTime = &now
	if cause != nil && entry.Error == "" {
		entry.Error = cause.Error()
	}
	if err := l.entries.Update(ctx, entry); err != nil {
		return errors.Wrapf(err, "txn: failing log entry %s", id)
	}
	return nil
}

// Completed returns a lazy, restartable iterator over the completed
// transactions of this store/pod within [from, to].
func (l *Log) Completed(ctx context.Context, from, to time.Time) (store.TxLogIterator, error) {
	return l.entries.CompletedRange(ctx, l.storeName, l.podName, from, to)
}

// Replay re-applies the post-image of every completed transaction as an
// idempotent upsert, rebuilding a fresh CBD collection from the log.
// Returns the number of transactions applied.
func (l *Log) Replay(ctx context.Context, it store.TxLogIterator, cbds store.CBDStore) (int, error) {
	defer it.Close()
	applied := 0
	for {
		entry, err := it.Next(ctx)
		if err != nil {
			return applied, errors.Wrap(err, "txn: replay iteration")
		}
		if entry == nil {
			return applied, nil
		}
		for _, doc := range entry.NewCBDs {
			if err := cbds.Restore(ctx, doc); err != nil {
				return applied, errors.Wrapf(err, "txn: replaying %s onto %s", entry.ID, doc.Subject)
			}
		}
		applied++
		l.log.WithFields(logrus.Fields{
			"transaction_id": entry.ID,
			"documents":      len(entry.NewCBDs),
		}).Debug("transaction replayed")
	}
}

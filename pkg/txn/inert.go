package txn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/store"
)

// RemoveInertLocks removes lock records that survived a crash between
// unlock and log completion: the owning transaction's log entry says
// completed while its locks linger, blocking every later transaction on
// those subjects.
//
// The removal is itself audited: an entry of kind remove_inert_locks is
// written in_progress before any lock is touched and completed (or
// failed) afterwards, recording the affected subjects and the operator's
// reason. A lock is never silently discarded.
func RemoveInertLocks(ctx context.Context, locks store.LockStore, txlog store.TxLogStore, storeName, podName, transactionID, reason string, log logrus.FieldLogger) ([]store.LockRecord, error) {
	records, err := locks.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, errors.Wrapf(err, "txn: listing locks for %s", transactionID)
	}

	audit := &store.TxLogEntry{
		ID:        "audit_" + uuid.NewString(),
		Kind:      store.KindRemoveInertLock,
		StoreName: storeName,
		PodName:   podName,
		Status:    store.TxInProgress,
		StartTime: time.Now(),
		Reason:    reason,
	}
	for _, rec := range records {
		audit.AffectedSubjects = append(audit.AffectedSubjects, rec.Subject)
	}
	if err := txlog.Insert(ctx, audit); err != nil {
		return nil, errors.Wrap(err, "txn: recording inert-lock audit entry")
	}

	released, err := locks.DeleteByTransaction(ctx, transactionID)
	now := time.Now()
	if err != nil {
		audit.Status = store.TxFailed
		audit.Error = err.Error()
		audit.EndTime = &now
		audit.FailTime = &now
		if uerr := txlog.Update(ctx, audit); uerr != nil {
			log.WithError(uerr).Error("updating inert-lock audit entry after failure")
		}
		return nil, errors.Wrapf(err, "txn: removing inert locks for %s", transactionID)
	}

	// The deletion is the source of truth for the audit: locks inserted
	// between the snapshot listing and the delete are removed too and
	// must appear in the entry.
	audit.AffectedSubjects = released
	audit.Status = store.TxCompleted
	audit.EndTime = &now
	if err := txlog.Update(ctx, audit); err != nil {
		return nil, errors.Wrap(err, "txn: completing inert-lock audit entry")
	}

	log.WithFields(logrus.Fields{
		"transaction_id": transactionID,
		"removed":        len(released),
		"reason":         reason,
	}).Info("inert locks removed")
	return records, nil
}

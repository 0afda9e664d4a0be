package store

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/triaddb/triad/pkg/rdf"
)

func lockKey(subject rdf.Subject) []byte {
	return key(prefixLock, []byte(subject.Hash()))
}

func lockByTxKey(transactionID string, subject rdf.Subject) []byte {
	return key(prefixLockByTx, []byte(transactionID), []byte(subject.Hash()))
}

// TryInsert atomically creates the one lock record for a subject, or
// returns ErrLockHeld when any transaction already holds it. A commit
// conflict with a racing TryInsert also surfaces as ErrLockHeld.
func (b badgerLocks) TryInsert(ctx context.Context, subject rdf.Subject, transactionID string, ts time.Time) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	record := LockRecord{Subject: subject, TransactionID: transactionID, CreatedTs: ts}
	data, err := encode(record)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(lockKey(subject))
		if err == nil {
			return ErrLockHeld
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(lockKey(subject), data); err != nil {
			return err
		}
		return txn.Set(lockByTxKey(transactionID, subject), data)
	})
	if err == badger.ErrConflict {
		return ErrLockHeld
	}
	return err
}

// DeleteByTransaction removes every lock held by a transaction and
// returns the subjects released. Idempotent: removing zero locks is fine.
func (b badgerLocks) DeleteByTransaction(ctx context.Context, transactionID string) ([]rdf.Subject, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	records, err := b.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var released []rdf.Subject
	err = b.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			if err := txn.Delete(lockKey(rec.Subject)); err != nil {
				return err
			}
			if err := txn.Delete(lockByTxKey(transactionID, rec.Subject)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		released = append(released, rec.Subject)
	}
	return released, nil
}

// ListByTransaction returns every lock record tagged with a transaction.
func (b badgerLocks) ListByTransaction(ctx context.Context, transactionID string) ([]LockRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var records []LockRecord
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := keyPrefix(prefixLockByTx, []byte(transactionID))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec LockRecord
			if err := decodeInto(it.Item(), &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountForSubject reports whether a lock record exists for the subject.
func (b badgerLocks) CountForSubject(ctx context.Context, subject rdf.Subject) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(lockKey(subject))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		count = 1
		return nil
	})
	return count, err
}

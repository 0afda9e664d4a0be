package store

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func txLogKey(id string) []byte {
	return key(prefixTxLog, []byte(id))
}

func txCompletedKey(storeName, podName string, endNanos int64, id string) []byte {
	return key(prefixTxCompleted, []byte(storeName), []byte(podName), nanoBytes(endNanos), []byte(id))
}

// Insert writes a new log entry, rejecting duplicate ids.
func (b badgerTxLog) Insert(ctx context.Context, entry *TxLogEntry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(txLogKey(entry.ID)); err == nil {
			return ErrBadTransition
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(txLogKey(entry.ID), data)
	})
}

// Update persists a status transition. Forward-only transitions are
// enforced against the stored entry; a completed transaction entry also
// gains its completion-index key for replay range scans.
func (b badgerTxLog) Update(ctx context.Context, entry *TxLogEntry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		var current TxLogEntry
		if err := getJSON(txn, txLogKey(entry.ID), &current); err != nil {
			return err
		}
		if current.Status != entry.Status && !current.CanTransition(entry.Status) {
			return ErrBadTransition
		}
		if err := txn.Set(txLogKey(entry.ID), data); err != nil {
			return err
		}
		if entry.Kind == KindTransaction && entry.Status == TxCompleted && entry.EndTime != nil {
			k := txCompletedKey(entry.StoreName, entry.PodName, entry.EndTime.UnixNano(), entry.ID)
			return txn.Set(k, []byte(entry.ID))
		}
		return nil
	})
}

// Get returns one log entry by id.
func (b badgerTxLog) Get(ctx context.Context, id string) (*TxLogEntry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var entry TxLogEntry
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, txLogKey(id), &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CompletedRange returns a lazy iterator over completed transactions for
// a store/pod within [from, to], ordered by completion time. Entry ids
// are resolved to full entries on demand, so a replay can stream a large
// window without loading it wholesale.
func (b badgerTxLog) CompletedRange(ctx context.Context, storeName, podName string, from, to time.Time) (TxLogIterator, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now()
	}
	fromNano := from.UnixNano()
	if from.IsZero() || fromNano < 0 {
		fromNano = 0
	}
	return &badgerTxLogIterator{
		b:      b.BadgerStore,
		start:  txCompletedKey(storeName, podName, fromNano, ""),
		bound:  keyPrefix(prefixTxCompleted, []byte(storeName), []byte(podName)),
		toNano: to.UnixNano(),
	}, nil
}

// badgerTxLogIterator walks the completion index in key order. It holds
// no open Badger iterator between calls; each Next re-seeks past the
// last returned key, which keeps the iterator restartable and cheap for
// the caller to abandon.
type badgerTxLogIterator struct {
	b       *BadgerStore
	start   []byte
	bound   []byte
	toNano  int64
	last    []byte
	resume  string
	skipped bool
}

func (it *badgerTxLogIterator) ResumeAfter(id string) {
	it.resume = id
}

func (it *badgerTxLogIterator) Next(ctx context.Context) (*TxLogEntry, error) {
	var entry *TxLogEntry
	err := it.b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		bit := txn.NewIterator(opts)
		defer bit.Close()

		seek := it.start
		if it.last != nil {
			seek = append(append([]byte{}, it.last...), 0x01)
		}
		for bit.Seek(seek); bit.ValidForPrefix(it.bound); bit.Next() {
			item := bit.Item()
			k := append([]byte{}, item.Key()...)

			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			it.last = k
			if it.resume != "" && !it.skipped {
				if id == it.resume {
					it.skipped = true
				}
				continue
			}

			var e TxLogEntry
			if err := getJSON(txn, txLogKey(id), &e); err != nil {
				return err
			}
			if e.EndTime != nil && e.EndTime.UnixNano() > it.toNano {
				return nil // past the window; leave entry nil
			}
			entry = &e
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (it *badgerTxLogIterator) Close() error { return nil }

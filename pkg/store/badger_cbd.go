package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/triaddb/triad/pkg/rdf"
)

func cbdKey(subject rdf.Subject) []byte {
	return key(prefixCBD, []byte(subject.Hash()))
}

func typeIndexKey(rdfType string, subject rdf.Subject) []byte {
	return key(prefixTypeIndex, []byte(rdfType), []byte(subject.Hash()))
}

// Get returns the stored CBD for a subject.
func (b badgerCBDs) Get(ctx context.Context, subject rdf.Subject) (*CBDDocument, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var doc CBDDocument
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, cbdKey(subject), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetOrInit returns the stored document or a fresh never-written one.
func (b badgerCBDs) GetOrInit(ctx context.Context, subject rdf.Subject) (*CBDDocument, error) {
	doc, err := b.Get(ctx, subject)
	if err == ErrNotFound {
		return NewCBDDocument(subject), nil
	}
	return doc, err
}

// CompareAndReplace writes doc only when the stored version matches
// expectedVersion (or, with upsert, when no document exists). The whole
// read-check-write runs in one Badger transaction; a commit conflict with
// a concurrent writer surfaces as ErrStaleVersion, same as a version
// mismatch.
func (b badgerCBDs) CompareAndReplace(ctx context.Context, doc *CBDDocument, expectedVersion int64, upsert bool) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var current CBDDocument
		err := getJSON(txn, cbdKey(doc.Subject), &current)
		switch {
		case err == ErrNotFound:
			if !upsert {
				return ErrStaleVersion
			}
		case err != nil:
			return err
		default:
			if upsert {
				return ErrStaleVersion
			}
			if current.Version != expectedVersion {
				return ErrStaleVersion
			}
		}
		if err := b.writeCBD(txn, doc, current.Types()); err != nil {
			return err
		}
		return nil
	})
	if err == badger.ErrConflict {
		return ErrStaleVersion
	}
	return err
}

// Restore overwrites the stored document verbatim, ignoring versions.
func (b badgerCBDs) Restore(ctx context.Context, doc *CBDDocument) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		var current CBDDocument
		var oldTypes []string
		if err := getJSON(txn, cbdKey(doc.Subject), &current); err == nil {
			oldTypes = current.Types()
		} else if err != ErrNotFound {
			return err
		}
		return b.writeCBD(txn, doc, oldTypes)
	})
}

// Purge removes the stored document and its type index entries.
func (b badgerCBDs) Purge(ctx context.Context, subject rdf.Subject) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		var current CBDDocument
		err := getJSON(txn, cbdKey(subject), &current)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		for _, t := range current.Types() {
			if err := txn.Delete(typeIndexKey(t, subject)); err != nil {
				return err
			}
		}
		return txn.Delete(cbdKey(subject))
	})
}

// writeCBD writes the document and reconciles its type index entries.
func (b badgerCBDs) writeCBD(txn *badger.Txn, doc *CBDDocument, oldTypes []string) error {
	data, err := encode(doc)
	if err != nil {
		return err
	}
	if err := txn.Set(cbdKey(doc.Subject), data); err != nil {
		return err
	}

	newTypes := make(map[string]struct{})
	for _, t := range doc.Types() {
		newTypes[t] = struct{}{}
	}
	for _, t := range oldTypes {
		if _, keep := newTypes[t]; !keep {
			if err := txn.Delete(typeIndexKey(t, doc.Subject)); err != nil {
				return err
			}
		}
	}
	subjData, err := encode(doc.Subject)
	if err != nil {
		return err
	}
	for t := range newTypes {
		if err := txn.Set(typeIndexKey(t, doc.Subject), subjData); err != nil {
			return err
		}
	}
	return nil
}

// FindByType returns the subjects of all documents carrying an rdf:type.
func (b badgerCBDs) FindByType(ctx context.Context, rdfType string) ([]rdf.Subject, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var subjects []rdf.Subject
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := keyPrefix(prefixTypeIndex, []byte(rdfType))
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var subject rdf.Subject
			if err := decodeInto(it.Item(), &subject); err != nil {
				return err
			}
			subjects = append(subjects, subject)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

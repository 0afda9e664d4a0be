package store

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/triaddb/triad/pkg/rdf"
)

// badgerComposites is the CompositeStore for one operation family; the
// family name namespaces both the document keys and the impact-index
// secondary keys.
type badgerComposites struct {
	b  *BadgerStore
	op OpType
}

func (c *badgerComposites) docKey(id string) []byte {
	return key(prefixComposite, []byte(c.op), []byte(id))
}

func (c *badgerComposites) impactKey(subject rdf.Subject, docID string) []byte {
	return key(prefixImpactIndex, []byte(c.op), []byte(subject.Hash()), []byte(docID))
}

func (c *badgerComposites) Op() OpType { return c.op }

// Put replaces the document and its impact-index keys wholesale. Index
// keys for subjects no longer referenced are removed so a stale
// ingredient can never resurrect a composite.
func (c *badgerComposites) Put(ctx context.Context, doc *CompositeDocument) error {
	if err := c.b.checkOpen(); err != nil {
		return err
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}
	return c.b.db.Update(func(txn *badger.Txn) error {
		var old CompositeDocument
		err := getJSON(txn, c.docKey(doc.ID), &old)
		if err != nil && err != ErrNotFound {
			return err
		}
		if err == nil {
			for _, s := range old.ImpactIndex {
				if err := txn.Delete(c.impactKey(s, doc.ID)); err != nil {
					return err
				}
			}
		}
		if err := txn.Set(c.docKey(doc.ID), data); err != nil {
			return err
		}
		for _, s := range doc.ImpactIndex {
			if err := txn.Set(c.impactKey(s, doc.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *badgerComposites) Get(ctx context.Context, id string) (*CompositeDocument, error) {
	if err := c.b.checkOpen(); err != nil {
		return nil, err
	}
	var doc CompositeDocument
	err := c.b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, c.docKey(id), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByImpactIndex returns every composite referencing any of the given
// subjects, deduplicated by document id.
func (c *badgerComposites) FindByImpactIndex(ctx context.Context, subjects []rdf.Subject) ([]*CompositeDocument, error) {
	if err := c.b.checkOpen(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var docs []*CompositeDocument
	err := c.b.db.View(func(txn *badger.Txn) error {
		for _, subject := range subjects {
			prefix := keyPrefix(prefixImpactIndex, []byte(c.op), []byte(subject.Hash()))
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				docID := string(it.Item().Key()[len(prefix):])
				if _, dup := seen[docID]; dup {
					continue
				}
				seen[docID] = struct{}{}

				var doc CompositeDocument
				if err := getJSON(txn, c.docKey(docID), &doc); err != nil {
					if err == ErrNotFound {
						continue // index key outlived its document
					}
					it.Close()
					return err
				}
				docs = append(docs, &doc)
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// DeleteBySpecAndAge removes documents of one spec last written before
// cutoff. This backs the bulk-regeneration sweep that clears rows no
// longer produced under the current specification.
func (c *badgerComposites) DeleteBySpecAndAge(ctx context.Context, specID string, cutoff time.Time) (int, error) {
	if err := c.b.checkOpen(); err != nil {
		return 0, err
	}
	var stale []*CompositeDocument
	err := c.b.db.View(func(txn *badger.Txn) error {
		prefix := keyPrefix(prefixComposite, []byte(c.op))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc CompositeDocument
			if err := decodeInto(it.Item(), &doc); err != nil {
				return err
			}
			if doc.SpecID == specID && doc.UpdatedTs.Before(cutoff) {
				stale = append(stale, &doc)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, doc := range stale {
		if err := c.deleteDoc(doc); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteForSubject removes the composite a subject owns under one spec.
func (c *badgerComposites) DeleteForSubject(ctx context.Context, subject rdf.Subject, specID string) error {
	if err := c.b.checkOpen(); err != nil {
		return err
	}
	doc, err := c.Get(ctx, CompositeID(subject, specID))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return c.deleteDoc(doc)
}

func (c *badgerComposites) deleteDoc(doc *CompositeDocument) error {
	return c.b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(c.docKey(doc.ID)); err != nil {
			return err
		}
		for _, s := range doc.ImpactIndex {
			if err := txn.Delete(c.impactKey(s, doc.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

package store

import (
	"context"
	"time"

	"github.com/triaddb/triad/pkg/rdf"
)

// CBDStore is the document collection holding one CBD per subject.
// CompareAndReplace must be atomic: implementations back it with a
// single-document compare-and-swap (Badger SSI transaction here,
// findAndModify on a document database).
type CBDStore interface {
	// Get returns the document for a subject, or ErrNotFound.
	Get(ctx context.Context, subject rdf.Subject) (*CBDDocument, error)

	// GetOrInit returns the stored document, or a fresh never-written
	// document when none exists. Nothing is persisted for the fresh case;
	// the first CompareAndReplace with upsert creates it.
	GetOrInit(ctx context.Context, subject rdf.Subject) (*CBDDocument, error)

	// CompareAndReplace writes doc if the stored version equals
	// expectedVersion. With upsert set, the document must not exist yet.
	// Any mismatch returns ErrStaleVersion.
	CompareAndReplace(ctx context.Context, doc *CBDDocument, expectedVersion int64, upsert bool) error

	// Restore overwrites the stored document verbatim, ignoring versions.
	// Used by rollback (return to known-good pre-image) and replay.
	Restore(ctx context.Context, doc *CBDDocument) error

	// Purge removes the stored document and its index entries entirely.
	// Used by rollback to return a first-write subject to its
	// pre-transaction state, which is no document at all. Purging an
	// absent subject is a no-op.
	Purge(ctx context.Context, subject rdf.Subject) error

	// FindByType returns the subjects of all documents carrying the given
	// rdf:type. Used by bulk regeneration to enumerate candidates.
	FindByType(ctx context.Context, rdfType string) ([]rdf.Subject, error)
}

// LockStore is the advisory lock collection. TryInsert must be a unique
// insert: it either creates the one lock record for the subject or
// reports ErrLockHeld. Lock reads and writes require primary (strongly
// consistent) access; stale reads would break mutual exclusion.
type LockStore interface {
	TryInsert(ctx context.Context, subject rdf.Subject, transactionID string, ts time.Time) error
	DeleteByTransaction(ctx context.Context, transactionID string) ([]rdf.Subject, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]LockRecord, error)
	CountForSubject(ctx context.Context, subject rdf.Subject) (int, error)
}

// TxLogStore persists transaction log entries. Insert rejects duplicate
// ids; Update enforces forward-only status transitions via
// TxLogEntry.CanTransition and returns ErrBadTransition otherwise.
type TxLogStore interface {
	Insert(ctx context.Context, entry *TxLogEntry) error
	Update(ctx context.Context, entry *TxLogEntry) error
	Get(ctx context.Context, id string) (*TxLogEntry, error)

	// CompletedRange returns completed transaction entries for a
	// store/pod ordered by completion time. The iterator is lazy and
	// restartable: ResumeAfter on a fresh iterator skips entries up to
	// and including the given id.
	CompletedRange(ctx context.Context, storeName, podName string, from, to time.Time) (TxLogIterator, error)
}

// TxLogIterator walks completed transactions in completion order.
type TxLogIterator interface {
	// Next returns the next entry, or (nil, nil) when exhausted.
	Next(ctx context.Context) (*TxLogEntry, error)
	// ResumeAfter positions a fresh iterator after the entry with the
	// given id, allowing an interrupted replay to restart.
	ResumeAfter(id string)
	Close() error
}

// CompositeStore holds the materialized documents of one operation
// family. Put replaces body and impact index wholesale and keeps the
// impact-index secondary keys consistent.
type CompositeStore interface {
	Op() OpType
	Put(ctx context.Context, doc *CompositeDocument) error
	Get(ctx context.Context, id string) (*CompositeDocument, error)

	// FindByImpactIndex returns every composite whose impact index
	// references any of the given subjects, deduplicated by id.
	FindByImpactIndex(ctx context.Context, subjects []rdf.Subject) ([]*CompositeDocument, error)

	// DeleteBySpecAndAge removes documents of one spec last written
	// before cutoff, returning the number removed. Used by the bulk
	// regeneration sweep.
	DeleteBySpecAndAge(ctx context.Context, specID string, cutoff time.Time) (int, error)

	// DeleteForSubject removes the composite a subject owns under one
	// spec, if present.
	DeleteForSubject(ctx context.Context, subject rdf.Subject, specID string) error
}

// JobQueue is the asynchronous work channel between the save path and
// worker processes. ClaimNext is an atomic queued -> processing claim:
// two workers never receive the same item.
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, jobType string, payload []byte) (*QueuedJob, error)
	ClaimNext(ctx context.Context, queue string) (*QueuedJob, error)
	Ack(ctx context.Context, job *QueuedJob) error
	Fail(ctx context.Context, job *QueuedJob, message string) error
}

// JobGroupStore tracks bulk regeneration passes.
type JobGroupStore interface {
	Create(ctx context.Context, id string, count int64, start time.Time) error
	// Decrement atomically decreases the pending counter and returns the
	// remaining count together with the group record.
	Decrement(ctx context.Context, id string) (int64, *JobGroup, error)
	Get(ctx context.Context, id string) (*JobGroup, error)
}

// Stores bundles every port over one backing database.
type Stores struct {
	CBDs       CBDStore
	Locks      LockStore
	TxLog      TxLogStore
	Composites map[OpType]CompositeStore
	Queue      JobQueue
	Groups     JobGroupStore
}

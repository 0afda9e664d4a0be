// Package store provides the persistence ports of the Triad core and
// their implementations: a BadgerDB-backed document store and an
// in-memory store for tests.
//
// Six logical collections share one keyspace: CBD documents, advisory
// locks, the transaction log, composite documents (one namespace per
// operation type), the job queue and job groups. All coordination
// between concurrent writers happens through these collections; nothing
// in the core relies on shared in-memory state.
package store

import (
	"errors"
	"time"

	"github.com/triaddb/triad/pkg/rdf"
)

// Common errors
var (
	ErrNotFound      = errors.New("store: not found")
	ErrStaleVersion  = errors.New("store: stale document version")
	ErrLockHeld      = errors.New("store: lock already held")
	ErrStorageClosed = errors.New("store: closed")
	ErrBadTransition = errors.New("store: invalid status transition")
)

// OpType names a composite operation family. Each family has its own
// composite collection and its own sync/async routing policy.
type OpType string

const (
	OpViews  OpType = "views"
	OpTables OpType = "tables"
	OpSearch OpType = "search"
)

// AllOps lists every operation family in a fixed order.
var AllOps = []OpType{OpViews, OpTables, OpSearch}

// CBDDocument is the stored form of one concise bounded description:
// every triple directly about one resource in one context.
//
// Version is the optimistic-concurrency token. It starts at 0 on the
// first write and increments by exactly 1 per successful write; a write
// presenting any other version is rejected. A document whose Predicates
// table is empty is a tombstone: the subject once existed but currently
// has no triples. Tombstones are never deleted.
type CBDDocument struct {
	Subject    rdf.Subject                `json:"subject"`
	Predicates map[string][]rdf.Value     `json:"predicates,omitempty"`
	Version    int64                      `json:"_version"`
	CreatedTs  time.Time                  `json:"_createdTs,omitempty"`
	UpdatedTs  time.Time                  `json:"_updatedTs,omitempty"`
}

// NewCBDDocument returns an empty, never-written document for a subject.
// The zero CreatedTs marks it as never written; the change applier uses
// that to request an upsert instead of a version check.
func NewCBDDocument(subject rdf.Subject) *CBDDocument {
	return &CBDDocument{Subject: subject}
}

// Tombstone reports whether the document carries no triples.
func (d *CBDDocument) Tombstone() bool { return len(d.Predicates) == 0 }

// NeverWritten reports whether the document has never been persisted.
func (d *CBDDocument) NeverWritten() bool {
	return d.CreatedTs.IsZero() && len(d.Predicates) == 0
}

// Clone returns a deep copy.
func (d *CBDDocument) Clone() *CBDDocument {
	cp := *d
	if d.Predicates != nil {
		cp.Predicates = make(map[string][]rdf.Value, len(d.Predicates))
		for p, vals := range d.Predicates {
			cp.Predicates[p] = append([]rdf.Value(nil), vals...)
		}
	}
	return &cp
}

// Graph materializes the document's triples as an in-memory graph.
func (d *CBDDocument) Graph() *rdf.Graph {
	g := rdf.NewGraph()
	g.FromPredicates(d.Subject, d.Predicates)
	return g
}

// Types returns the resource-typed rdf:type values of the document.
func (d *CBDDocument) Types() []string {
	return d.Graph().TypesOf(d.Subject)
}

// LockRecord is one advisory lock: at most one record exists per subject
// at any time, and its presence blocks every other transaction from
// locking that subject.
type LockRecord struct {
	Subject       rdf.Subject `json:"subject"`
	TransactionID string      `json:"transaction_id"`
	CreatedTs     time.Time   `json:"created_ts"`
}

// TxStatus is the lifecycle state of a transaction log entry. Transitions
// only move forward: in_progress -> completed, or
// in_progress -> cancelling -> failed.
type TxStatus string

const (
	TxInProgress TxStatus = "in_progress"
	TxCancelling TxStatus = "cancelling"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
)

// EntryKind distinguishes ordinary transactions from administrative
// audit entries sharing the same log.
type EntryKind string

const (
	KindTransaction     EntryKind = "transaction"
	KindRemoveInertLock EntryKind = "remove_inert_locks"
)

// TxLogEntry is the durable record of one transaction: the intended
// change, the pre-image of every locked document, the outcome, and on
// success the post-image used for replay. A completed entry is immutable.
type TxLogEntry struct {
	ID        string    `json:"id"`
	Kind      EntryKind `json:"kind"`
	StoreName string    `json:"store"`
	PodName   string    `json:"pod"`

	ChangeSet    *rdf.ChangeSet          `json:"change_set,omitempty"`
	OriginalCBDs map[string]*CBDDocument `json:"original_cbds,omitempty"`
	NewCBDs      map[string]*CBDDocument `json:"new_cbds,omitempty"`

	Status    TxStatus   `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	FailTime  *time.Time `json:"fail_time,omitempty"`
	Error     string     `json:"error,omitempty"`

	// For remove_inert_locks audit entries: the subjects whose locks
	// were removed, and the free-text reason supplied by the operator.
	AffectedSubjects []rdf.Subject `json:"affected_subjects,omitempty"`
	Reason           string        `json:"reason,omitempty"`
}

// CanTransition reports whether the entry may move to the given status.
func (e *TxLogEntry) CanTransition(to TxStatus) bool {
	switch e.Status {
	case TxInProgress:
		return to == TxCompleted || to == TxCancelling || to == TxFailed
	case TxCancelling:
		return to == TxFailed
	default:
		return false
	}
}

// CompositeDocument is one materialized view row, table row or search
// document. ImpactIndex lists every subject whose triples contributed to
// the body; regeneration replaces body and index wholesale, never merges.
type CompositeDocument struct {
	ID          string                 `json:"id"`
	Subject     rdf.Subject            `json:"subject"`
	SpecID      string                 `json:"spec_id"`
	Body        map[string][]rdf.Value `json:"body,omitempty"`
	ImpactIndex []rdf.Subject          `json:"impact_index"`
	CreatedTs   time.Time              `json:"created_ts"`
	UpdatedTs   time.Time              `json:"updated_ts"`
}

// CompositeID builds the composite key for a subject under a spec.
func CompositeID(subject rdf.Subject, specID string) string {
	return subject.Hash() + ":" + specID
}

// JobStatus is the queue-item lifecycle: queued -> processing, then the
// item is either removed on success or marked failed with a message.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobFailed     JobStatus = "failed"
)

// QueuedJob is one queue item. Seq orders items within a queue and,
// together with Queue, locates the item for ack/fail.
type QueuedJob struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    []byte          `json:"payload"`
	Status     JobStatus       `json:"status"`
	Seq        uint64          `json:"seq"`
	EnqueuedTs time.Time       `json:"enqueued_ts"`
	ClaimedTs  *time.Time      `json:"claimed_ts,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// JobGroup tracks a bulk regeneration pass: Count pending jobs remain.
// When the counter reaches zero the pass's sweep runs, deleting composite
// rows older than StartTime.
type JobGroup struct {
	ID        string    `json:"id"`
	Count     int64     `json:"count"`
	StartTime time.Time `json:"start_time"`
}

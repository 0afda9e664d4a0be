package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triaddb/triad/pkg/rdf"
)

// MemoryStore implements every persistence port in memory with the same
// semantics as the Badger-backed store: unique lock inserts, versioned
// compare-and-swap, atomic queue claims. Intended for tests; a single
// mutex serializes everything.
type MemoryStore struct {
	mu sync.Mutex

	cbds       map[string]*CBDDocument
	locks      map[string]LockRecord // keyed by subject hash
	txlog      map[string]*TxLogEntry
	completed  []string // completed transaction ids in completion order
	composites map[OpType]map[string]*CompositeDocument
	queues     map[string][]*QueuedJob
	groups     map[string]*JobGroup
	seq        uint64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		cbds:       make(map[string]*CBDDocument),
		locks:      make(map[string]LockRecord),
		txlog:      make(map[string]*TxLogEntry),
		composites: make(map[OpType]map[string]*CompositeDocument),
		queues:     make(map[string][]*QueuedJob),
		groups:     make(map[string]*JobGroup),
	}
	for _, op := range AllOps {
		m.composites[op] = make(map[string]*CompositeDocument)
	}
	return m
}

// Stores returns the port bundle backed by this instance.
func (m *MemoryStore) Stores() *Stores {
	return &Stores{
		CBDs:  memCBDs{m},
		Locks: memLocks{m},
		TxLog: memTxLog{m},
		Composites: map[OpType]CompositeStore{
			OpViews:  &memComposites{m: m, op: OpViews},
			OpTables: &memComposites{m: m, op: OpTables},
			OpSearch: &memComposites{m: m, op: OpSearch},
		},
		Queue:  memQueue{m},
		Groups: memGroups{m},
	}
}

type (
	memCBDs   struct{ *MemoryStore }
	memLocks  struct{ *MemoryStore }
	memTxLog  struct{ *MemoryStore }
	memQueue  struct{ *MemoryStore }
	memGroups struct{ *MemoryStore }
)

func (m memCBDs) Get(ctx context.Context, subject rdf.Subject) (*CBDDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cbds[subject.Hash()]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m memCBDs) GetOrInit(ctx context.Context, subject rdf.Subject) (*CBDDocument, error) {
	doc, err := m.Get(ctx, subject)
	if err == ErrNotFound {
		return NewCBDDocument(subject), nil
	}
	return doc, err
}

func (m memCBDs) CompareAndReplace(ctx context.Context, doc *CBDDocument, expectedVersion int64, upsert bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.cbds[doc.Subject.Hash()]
	if upsert {
		if exists {
			return ErrStaleVersion
		}
	} else {
		if !exists || current.Version != expectedVersion {
			return ErrStaleVersion
		}
	}
	m.cbds[doc.Subject.Hash()] = doc.Clone()
	return nil
}

func (m memCBDs) Restore(ctx context.Context, doc *CBDDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbds[doc.Subject.Hash()] = doc.Clone()
	return nil
}

func (m memCBDs) Purge(ctx context.Context, subject rdf.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cbds, subject.Hash())
	return nil
}

func (m memCBDs) FindByType(ctx context.Context, rdfType string) ([]rdf.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subjects []rdf.Subject
	for _, doc := range m.cbds {
		for _, t := range doc.Types() {
			if t == rdfType {
				subjects = append(subjects, doc.Subject)
				break
			}
		}
	}
	sort.Slice(subjects, func(i, j int) bool {
		return subjects[i].String() < subjects[j].String()
	})
	return subjects, nil
}

func (m memLocks) TryInsert(ctx context.Context, subject rdf.Subject, transactionID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[subject.Hash()]; held {
		return ErrLockHeld
	}
	m.locks[subject.Hash()] = LockRecord{Subject: subject, TransactionID: transactionID, CreatedTs: ts}
	return nil
}

func (m memLocks) DeleteByTransaction(ctx context.Context, transactionID string) ([]rdf.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []rdf.Subject
	for k, rec := range m.locks {
		if rec.TransactionID == transactionID {
			released = append(released, rec.Subject)
			delete(m.locks, k)
		}
	}
	return released, nil
}

func (m memLocks) ListByTransaction(ctx context.Context, transactionID string) ([]LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []LockRecord
	for _, rec := range m.locks {
		if rec.TransactionID == transactionID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (m memLocks) CountForSubject(ctx context.Context, subject rdf.Subject) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[subject.Hash()]; held {
		return 1, nil
	}
	return 0, nil
}

func (m memTxLog) Insert(ctx context.Context, entry *TxLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.txlog[entry.ID]; dup {
		return ErrBadTransition
	}
	m.txlog[entry.ID] = cloneEntry(entry)
	return nil
}

func (m memTxLog) Update(ctx context.Context, entry *TxLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.txlog[entry.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != entry.Status && !current.CanTransition(entry.Status) {
		return ErrBadTransition
	}
	m.txlog[entry.ID] = cloneEntry(entry)
	if entry.Kind == KindTransaction && entry.Status == TxCompleted {
		m.completed = append(m.completed, entry.ID)
	}
	return nil
}

func (m memTxLog) Get(ctx context.Context, id string) (*TxLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.txlog[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (m memTxLog) CompletedRange(ctx context.Context, storeName, podName string, from, to time.Time) (TxLogIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to.IsZero() {
		to = time.Now()
	}
	var entries []*TxLogEntry
	for _, id := range m.completed {
		e := m.txlog[id]
		if e == nil || e.StoreName != storeName || e.PodName != podName || e.EndTime == nil {
			continue
		}
		if e.EndTime.Before(from) || e.EndTime.After(to) {
			continue
		}
		entries = append(entries, cloneEntry(e))
	}
	return &memTxLogIterator{entries: entries}, nil
}

type memTxLogIterator struct {
	entries []*TxLogEntry
	pos     int
	resume  string
}

func (it *memTxLogIterator) ResumeAfter(id string) { it.resume = id }

func (it *memTxLogIterator) Next(ctx context.Context) (*TxLogEntry, error) {
	if it.resume != "" {
		for i, e := range it.entries {
			if e.ID == it.resume {
				it.pos = i + 1
				break
			}
		}
		it.resume = ""
	}
	if it.pos >= len(it.entries) {
		return nil, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

func (it *memTxLogIterator) Close() error { return nil }

type memComposites struct {
	m  *MemoryStore
	op OpType
}

func (c *memComposites) Op() OpType { return c.op }

func (c *memComposites) Put(ctx context.Context, doc *CompositeDocument) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.composites[c.op][doc.ID] = cloneComposite(doc)
	return nil
}

func (c *memComposites) Get(ctx context.Context, id string) (*CompositeDocument, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	doc, ok := c.m.composites[c.op][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneComposite(doc), nil
}

func (c *memComposites) FindByImpactIndex(ctx context.Context, subjects []rdf.Subject) ([]*CompositeDocument, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	wanted := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		wanted[s.Hash()] = struct{}{}
	}
	var docs []*CompositeDocument
	for _, doc := range c.m.composites[c.op] {
		for _, s := range doc.ImpactIndex {
			if _, hit := wanted[s.Hash()]; hit {
				docs = append(docs, cloneComposite(doc))
				break
			}
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (c *memComposites) DeleteBySpecAndAge(ctx context.Context, specID string, cutoff time.Time) (int, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	deleted := 0
	for id, doc := range c.m.composites[c.op] {
		if doc.SpecID == specID && doc.UpdatedTs.Before(cutoff) {
			delete(c.m.composites[c.op], id)
			deleted++
		}
	}
	return deleted, nil
}

func (c *memComposites) DeleteForSubject(ctx context.Context, subject rdf.Subject, specID string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	delete(c.m.composites[c.op], CompositeID(subject, specID))
	return nil
}

func (m memQueue) Enqueue(ctx context.Context, queue string, jobType string, payload []byte) (*QueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := &QueuedJob{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    append([]byte(nil), payload...),
		Status:     JobQueued,
		Seq:        m.seq,
		EnqueuedTs: time.Now(),
	}
	m.queues[queue] = append(m.queues[queue], job)
	cp := *job
	return &cp, nil
}

func (m memQueue) ClaimNext(ctx context.Context, queue string) (*QueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.queues[queue] {
		if job.Status == JobQueued {
			now := time.Now()
			job.Status = JobProcessing
			job.ClaimedTs = &now
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (m memQueue) Ack(ctx context.Context, job *QueuedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.queues[job.Queue]
	for i, it := range items {
		if it.Seq == job.Seq {
			m.queues[job.Queue] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m memQueue) Fail(ctx context.Context, job *QueuedJob, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.queues[job.Queue] {
		if it.Seq == job.Seq {
			it.Status = JobFailed
			it.Error = message
			return nil
		}
	}
	return ErrNotFound
}

// Entries returns a snapshot of every transaction log entry. Test helper.
func (m *MemoryStore) Entries() []*TxLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TxLogEntry, 0, len(m.txlog))
	for _, e := range m.txlog {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Jobs returns a snapshot of a queue, oldest first. Test helper.
func (m *MemoryStore) Jobs(queue string) []*QueuedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*QueuedJob, 0, len(m.queues[queue]))
	for _, job := range m.queues[queue] {
		cp := *job
		out = append(out, &cp)
	}
	return out
}

func (m memGroups) Create(ctx context.Context, id string, count int64, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = &JobGroup{ID: id, Count: count, StartTime: start}
	return nil
}

func (m memGroups) Decrement(ctx context.Context, id string) (int64, *JobGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	group.Count--
	cp := *group
	return group.Count, &cp, nil
}

func (m memGroups) Get(ctx context.Context, id string) (*JobGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *group
	return &cp, nil
}

func cloneEntry(e *TxLogEntry) *TxLogEntry {
	cp := *e
	if e.OriginalCBDs != nil {
		cp.OriginalCBDs = make(map[string]*CBDDocument, len(e.OriginalCBDs))
		for k, d := range e.OriginalCBDs {
			cp.OriginalCBDs[k] = d.Clone()
		}
	}
	if e.NewCBDs != nil {
		cp.NewCBDs = make(map[string]*CBDDocument, len(e.NewCBDs))
		for k, d := range e.NewCBDs {
			cp.NewCBDs[k] = d.Clone()
		}
	}
	return &cp
}

func cloneComposite(d *CompositeDocument) *CompositeDocument {
	cp := *d
	cp.ImpactIndex = append([]rdf.Subject(nil), d.ImpactIndex...)
	if d.Body != nil {
		cp.Body = make(map[string][]rdf.Value, len(d.Body))
		for k, vals := range d.Body {
			cp.Body[k] = append([]rdf.Value(nil), vals...)
		}
	}
	return &cp
}

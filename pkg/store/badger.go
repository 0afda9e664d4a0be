package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for the shared Badger keyspace.
// Single-byte prefixes keep keys compact.
const (
	prefixCBD         = byte(0x01) // cbd:subjectHash -> CBDDocument
	prefixTypeIndex   = byte(0x02) // type:rdfType:subjectHash -> Subject
	prefixLock        = byte(0x03) // lock:subjectHash -> LockRecord
	prefixLockByTx    = byte(0x04) // locktx:transactionID:subjectHash -> LockRecord
	prefixTxLog       = byte(0x05) // txlog:id -> TxLogEntry
	prefixTxCompleted = byte(0x06) // txdone:store:pod:endNanos:id -> id
	prefixComposite   = byte(0x07) // comp:op:docID -> CompositeDocument
	prefixImpactIndex = byte(0x08) // impact:op:subjectHash:docID -> empty
	prefixQueue       = byte(0x09) // queue:name:seq -> QueuedJob
	prefixJobGroup    = byte(0x0A) // group:id -> JobGroup
)

const keySep = byte(0x00)

// BadgerStore implements every persistence port over a single BadgerDB
// instance. Badger's serializable snapshot isolation provides the atomic
// single-document compare-and-swap, unique lock insert and queue claim
// the core relies on.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.RWMutex
	closed bool
}

// OpenBadger opens (or creates) a Badger-backed store at dataDir.
func OpenBadger(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	return openBadger(opts)
}

// OpenBadgerInMemory opens an in-memory Badger store. Useful for tests
// that need real transaction conflict semantics without disk.
func OpenBadgerInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("triad-queue-seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: opening queue sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Per-port views over the shared instance. Splitting the ports onto
// wrapper types keeps method sets disjoint (several ports have a Get).
type (
	badgerCBDs   struct{ *BadgerStore }
	badgerLocks  struct{ *BadgerStore }
	badgerTxLog  struct{ *BadgerStore }
	badgerQueue  struct{ *BadgerStore }
	badgerGroups struct{ *BadgerStore }
)

// Stores returns the port bundle backed by this instance.
func (b *BadgerStore) Stores() *Stores {
	return &Stores{
		CBDs:  badgerCBDs{b},
		Locks: badgerLocks{b},
		TxLog: badgerTxLog{b},
		Composites: map[OpType]CompositeStore{
			OpViews:  &badgerComposites{b: b, op: OpViews},
			OpTables: &badgerComposites{b: b, op: OpTables},
			OpSearch: &badgerComposites{b: b, op: OpSearch},
		},
		Queue:  badgerQueue{b},
		Groups: badgerGroups{b},
	}
}

// Close releases the queue sequence and closes the database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("store: releasing sequence: %w", err)
	}
	return b.db.Close()
}

func (b *BadgerStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// key assembles a prefixed key from parts separated by keySep.
func key(prefix byte, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p) + 1
	}
	out := make([]byte, 0, n)
	out = append(out, prefix)
	for i, p := range parts {
		if i > 0 {
			out = append(out, keySep)
		}
		out = append(out, p...)
	}
	return out
}

// keyPrefix is like key but terminates with a separator, for range scans.
func keyPrefix(prefix byte, parts ...[]byte) []byte {
	out := key(prefix, parts...)
	return append(out, keySep)
}

func seqBytes(seq uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, seq)
	return out
}

func nanoBytes(nanos int64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(nanos))
	return out
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encoding %T: %w", v, err)
	}
	return data, nil
}

func decodeInto(item *badger.Item, v interface{}) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// getJSON reads and decodes one key inside a transaction, returning
// ErrNotFound when absent.
func getJSON(txn *badger.Txn, k []byte, v interface{}) error {
	item, err := txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return decodeInto(item, v)
}

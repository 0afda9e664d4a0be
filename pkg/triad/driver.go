// Package triad provides the main API for embedded use: open a store,
// save graph changes transactionally, and run regeneration workers.
//
// Example:
//
//	cfg := config.Default("products")
//	cfg.Views = []config.Specification{{ID: "product_card", Type: "http://example.org/Product"}}
//
//	db, err := triad.Open("./data", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	old := rdf.NewGraph()
//	next := rdf.NewGraph()
//	next.Add(subject, "http://www.w3.org/1999/02/22-rdf-syntax-ns#type", rdf.Resource("http://example.org/Product"))
//	next.Add(subject, "http://example.org/name", rdf.Literal("Widget"))
//
//	if _, err := db.SaveChanges(ctx, old, next); err != nil {
//		log.Fatal(err)
//	}
package triad

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/impact"
	"github.com/triaddb/triad/pkg/jobs"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
	"github.com/triaddb/triad/pkg/txn"
)

// Driver is one open store: the document collections plus the
// transactional save path and the regeneration machinery wired over
// them. All methods are safe for concurrent use.
type Driver struct {
	cfg    *config.Config
	stores *store.Stores
	closer io.Closer

	locks      *txn.LockManager
	txlog      *txn.Log
	applier    *txn.Applier
	analyzer   *impact.Analyzer
	regen      jobs.Regenerator
	dispatcher *jobs.Dispatcher
	handler    *jobs.Handler
	saver      *txn.Saver

	log *logrus.Logger
}

// Open opens or creates a store at dataDir. A nil config gets defaults
// with the store named after the directory; an empty dataDir opens an
// in-memory instance that does not persist.
func Open(dataDir string, cfg *config.Config) (*Driver, error) {
	if cfg == nil {
		name := "triad"
		if dataDir != "" {
			name = filepath.Base(dataDir)
		}
		cfg = config.Default(name)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	var (
		backend *store.BadgerStore
		err     error
	)
	if dataDir != "" {
		backend, err = store.OpenBadger(dataDir)
	} else {
		backend, err = store.OpenBadgerInMemory()
	}
	if err != nil {
		return nil, errors.Wrap(err, "triad: opening storage")
	}
	return NewDriver(cfg, backend.Stores(), backend)
}

// NewDriver wires a driver over an existing port bundle. closer may be
// nil; it is invoked once on Close. Tests use this with memory stores.
func NewDriver(cfg *config.Config, stores *store.Stores, closer io.Closer) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := newLogger(cfg.LogLevel)
	logger := log.WithField("store", cfg.StoreName)

	d := &Driver{
		cfg:    cfg,
		stores: stores,
		closer: closer,
		log:    log,
	}
	d.locks = txn.NewLockManager(stores.Locks, stores.CBDs, cfg.LockAttempts, cfg.LockBackoff, logger)
	d.txlog = txn.NewLog(stores.TxLog, cfg.StoreName, cfg.PodName, logger)
	d.applier = txn.NewApplier(stores.CBDs, cfg.Cardinality, logger)
	d.analyzer = impact.NewAnalyzer(cfg, stores.Composites, logger)
	d.regen = jobs.NewProjection(stores.CBDs, stores.Composites, logger)
	d.dispatcher = jobs.NewDispatcher(cfg, stores.Queue, d.regen, logger)
	d.handler = jobs.NewHandler(cfg, d.analyzer, d.regen, d.dispatcher, stores.Groups, stores.Composites, logger)
	d.saver = txn.NewSaver(d.locks, d.txlog, d.applier, d.analyzer, d.dispatcher, stores.CBDs, logger)
	return d, nil
}

// Config returns the driver's configuration.
func (d *Driver) Config() *config.Config { return d.cfg }

// Stores exposes the underlying port bundle for advanced callers.
func (d *Driver) Stores() *store.Stores { return d.stores }

// NewSubject builds a subject in the configured default context.
func (d *Driver) NewSubject(resource string) rdf.Subject {
	return rdf.Subject{Resource: resource, Context: d.cfg.DefaultContext}
}

// SaveChanges applies the difference between the two graph states as a
// single all-or-nothing transaction and triggers regeneration of every
// stale composite. The returned change-set describes what was written.
func (d *Driver) SaveChanges(ctx context.Context, oldGraph, newGraph *rdf.Graph) (*rdf.ChangeSet, error) {
	return d.saver.SaveChanges(ctx, oldGraph, newGraph)
}

// Get returns the stored description of a subject, including
// tombstones. store.ErrNotFound means the subject was never written.
func (d *Driver) Get(ctx context.Context, subject rdf.Subject) (*store.CBDDocument, error) {
	return d.stores.CBDs.Get(ctx, subject)
}

// Graph loads the stored descriptions of the given subjects into one
// graph, skipping subjects never written or tombstoned. The result is
// the old-state input for the next SaveChanges call.
func (d *Driver) Graph(ctx context.Context, subjects ...rdf.Subject) (*rdf.Graph, error) {
	g := rdf.NewGraph()
	for _, subject := range subjects {
		doc, err := d.stores.CBDs.Get(ctx, subject)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if doc.Tombstone() {
			continue
		}
		g.FromPredicates(subject, doc.Predicates)
	}
	return g, nil
}

// RegenerateSpec rebuilds every composite of one specification as a
// bulk pass: each candidate source document becomes one queued job, all
// tied to a job group, and when the group drains the pass sweeps away
// composites not refreshed since it began. Returns the group id and the
// number of jobs enqueued.
func (d *Driver) RegenerateSpec(ctx context.Context, specID string) (string, int, error) {
	spec, op, ok := d.cfg.SpecByID(specID)
	if !ok {
		return "", 0, errors.Errorf("triad: unknown specification %q", specID)
	}

	subjects, err := d.stores.CBDs.FindByType(ctx, spec.Type)
	if err != nil {
		return "", 0, errors.Wrapf(err, "triad: enumerating %s candidates", specID)
	}

	groupID := "group_" + uuid.NewString()
	start := time.Now()
	if len(subjects) == 0 {
		// Nothing to rebuild; sweep directly so retired sources disappear.
		cs, ok := d.stores.Composites[op]
		if !ok {
			return "", 0, nil
		}
		if _, err := cs.DeleteBySpecAndAge(ctx, specID, start); err != nil {
			return "", 0, errors.Wrapf(err, "triad: sweeping %s", specID)
		}
		return "", 0, nil
	}

	if err := d.stores.Groups.Create(ctx, groupID, int64(len(subjects)), start); err != nil {
		return "", 0, errors.Wrapf(err, "triad: creating job group for %s", specID)
	}
	for _, subject := range subjects {
		job := &jobs.ApplyOperationJob{
			Subject:    subject,
			Operations: []store.OpType{op},
			StoreName:  d.cfg.StoreName,
			PodName:    d.cfg.PodName,
			SpecTypes:  []string{specID},
			TrackingID: groupID,
		}
		if err := d.dispatcher.EnqueueApply(ctx, job); err != nil {
			return groupID, 0, err
		}
	}
	d.log.WithFields(logrus.Fields{
		"spec":  specID,
		"group": groupID,
		"jobs":  len(subjects),
	}).Info("bulk regeneration started")
	return groupID, len(subjects), nil
}

// RemoveInertLocks deletes the lock records a completed or crashed
// transaction left behind and records the removal in the transaction
// log. Returns the removed records.
func (d *Driver) RemoveInertLocks(ctx context.Context, transactionID, reason string) ([]store.LockRecord, error) {
	return txn.RemoveInertLocks(ctx, d.stores.Locks, d.stores.TxLog, d.cfg.StoreName, d.cfg.PodName, transactionID, reason, d.log)
}

// ReplayTransactions re-applies the post-images of every transaction
// completed inside the window, oldest first. Replay is idempotent; it
// is the recovery path after restoring document collections from an
// older backup than the log. Returns the number of transactions
// re-applied.
func (d *Driver) ReplayTransactions(ctx context.Context, from, to time.Time) (int, error) {
	it, err := d.txlog.Completed(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return d.txlog.Replay(ctx, it, d.stores.CBDs)
}

// NewWorker starts a worker draining the named queue with this driver's
// handler. Close the worker before closing the driver.
func (d *Driver) NewWorker(queue string, pollInterval time.Duration) *jobs.Worker {
	wc := jobs.DefaultWorkerConfig()
	if queue != "" {
		wc.Queue = queue
	}
	if pollInterval > 0 {
		wc.PollInterval = pollInterval
	}
	return jobs.NewWorker(d.stores.Queue, d.handler, wc, d.log.WithField("store", d.cfg.StoreName))
}

// Handler returns the job handler, for callers running their own
// worker loops.
func (d *Driver) Handler() *jobs.Handler { return d.handler }

// Close releases the underlying storage.
func (d *Driver) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

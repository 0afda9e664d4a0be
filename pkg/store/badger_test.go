package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triaddb/triad/pkg/rdf"
)

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	b, err := OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBadgerCompareAndReplace(t *testing.T) {
	ctx := context.Background()
	cbds := openTestBadger(t).Stores().CBDs

	t.Run("upsert then versioned update", func(t *testing.T) {
		doc := docWith(subjectA, 0, map[string][]rdf.Value{"p": {rdf.Literal("v1")}})
		require.NoError(t, cbds.CompareAndReplace(ctx, doc, 0, true))

		next := docWith(subjectA, 1, map[string][]rdf.Value{"p": {rdf.Literal("v2")}})
		require.NoError(t, cbds.CompareAndReplace(ctx, next, 0, false))

		stored, err := cbds.Get(ctx, subjectA)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
		assert.Equal(t, []rdf.Value{rdf.Literal("v2")}, stored.Predicates["p"])
	})

	t.Run("stale version rejected", func(t *testing.T) {
		doc := docWith(subjectA, 2, nil)
		assert.ErrorIs(t, cbds.CompareAndReplace(ctx, doc, 0, false), ErrStaleVersion)
	})

	t.Run("upsert of existing rejected", func(t *testing.T) {
		doc := docWith(subjectA, 0, nil)
		assert.ErrorIs(t, cbds.CompareAndReplace(ctx, doc, 0, true), ErrStaleVersion)
	})

	t.Run("update of missing rejected", func(t *testing.T) {
		doc := docWith(subjectB, 1, nil)
		assert.ErrorIs(t, cbds.CompareAndReplace(ctx, doc, 0, false), ErrStaleVersion)
	})
}

func TestBadgerTypeIndex(t *testing.T) {
	ctx := context.Background()
	cbds := openTestBadger(t).Stores().CBDs

	productType := "http://example.org/Product"
	doc := docWith(subjectA, 0, map[string][]rdf.Value{
		rdf.RDFType: {rdf.Resource(productType)},
	})
	require.NoError(t, cbds.CompareAndReplace(ctx, doc, 0, true))

	subjects, err := cbds.FindByType(ctx, productType)
	require.NoError(t, err)
	assert.Equal(t, []rdf.Subject{subjectA}, subjects)

	// Retyping the document must drop the old index entry.
	retyped := docWith(subjectA, 1, map[string][]rdf.Value{
		rdf.RDFType: {rdf.Resource("http://example.org/Archived")},
	})
	require.NoError(t, cbds.CompareAndReplace(ctx, retyped, 0, false))

	subjects, err = cbds.FindByType(ctx, productType)
	require.NoError(t, err)
	assert.Empty(t, subjects)

	subjects, err = cbds.FindByType(ctx, "http://example.org/Archived")
	require.NoError(t, err)
	assert.Equal(t, []rdf.Subject{subjectA}, subjects)
}

func TestBadgerPurge(t *testing.T) {
	ctx := context.Background()
	cbds := openTestBadger(t).Stores().CBDs

	productType := "http://example.org/Product"
	doc := docWith(subjectA, 0, map[string][]rdf.Value{
		rdf.RDFType: {rdf.Resource(productType)},
	})
	require.NoError(t, cbds.CompareAndReplace(ctx, doc, 0, true))

	require.NoError(t, cbds.Purge(ctx, subjectA))

	_, err := cbds.Get(ctx, subjectA)
	assert.ErrorIs(t, err, ErrNotFound)

	subjects, err := cbds.FindByType(ctx, productType)
	require.NoError(t, err)
	assert.Empty(t, subjects, "purge drops the type index entries with the document")

	t.Run("absent subject is a no-op", func(t *testing.T) {
		assert.NoError(t, cbds.Purge(ctx, subjectA))
	})

	t.Run("subject can be upserted again", func(t *testing.T) {
		fresh := docWith(subjectA, 0, map[string][]rdf.Value{"p": {rdf.Literal("v")}})
		assert.NoError(t, cbds.CompareAndReplace(ctx, fresh, 0, true))
	})
}

func TestBadgerLockUniqueness(t *testing.T) {
	ctx := context.Background()
	locks := openTestBadger(t).Stores().Locks

	require.NoError(t, locks.TryInsert(ctx, subjectA, "tx1", time.Now()))
	assert.ErrorIs(t, locks.TryInsert(ctx, subjectA, "tx2", time.Now()), ErrLockHeld)

	records, err := locks.ListByTransaction(ctx, "tx1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, subjectA, records[0].Subject)

	released, err := locks.DeleteByTransaction(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, []rdf.Subject{subjectA}, released)

	// Subject is free again.
	require.NoError(t, locks.TryInsert(ctx, subjectA, "tx2", time.Now()))
	n, err := locks.CountForSubject(ctx, subjectA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBadgerQueueClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	queue := openTestBadger(t).Stores().Queue

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		_, err := queue.Enqueue(ctx, "apply", "apply_operation", []byte(`{}`))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := queue.ClaimNext(ctx, "apply")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
				_ = queue.Ack(ctx, job)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestBadgerTxLogTransitions(t *testing.T) {
	ctx := context.Background()
	txlog := openTestBadger(t).Stores().TxLog

	entry := &TxLogEntry{
		ID: "transaction_b1", Kind: KindTransaction,
		StoreName: "products", PodName: "cbd",
		Status: TxInProgress, StartTime: time.Now(),
	}
	require.NoError(t, txlog.Insert(ctx, entry))
	assert.Error(t, txlog.Insert(ctx, entry), "duplicate id must be rejected")

	now := time.Now()
	entry.Status = TxCompleted
	entry.EndTime = &now
	require.NoError(t, txlog.Update(ctx, entry))

	entry.Status = TxFailed
	assert.ErrorIs(t, txlog.Update(ctx, entry), ErrBadTransition)

	t.Run("completed entries appear in the range", func(t *testing.T) {
		it, err := txlog.CompletedRange(ctx, "products", "cbd", time.Time{}, time.Now())
		require.NoError(t, err)
		defer it.Close()

		got, err := it.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "transaction_b1", got.ID)

		done, err := it.Next(ctx)
		require.NoError(t, err)
		assert.Nil(t, done)
	})
}

func TestBadgerComposites(t *testing.T) {
	ctx := context.Background()
	composites := openTestBadger(t).Stores().Composites[OpTables]

	joined := rdf.Subject{Resource: "http://example.org/brands/1", Context: testCtx}
	doc := &CompositeDocument{
		ID:          CompositeID(subjectA, "product_row"),
		Subject:     subjectA,
		SpecID:      "product_row",
		Body:        map[string][]rdf.Value{"p": {rdf.Literal("v")}},
		ImpactIndex: []rdf.Subject{subjectA, joined},
		CreatedTs:   time.Now(),
		UpdatedTs:   time.Now(),
	}
	require.NoError(t, composites.Put(ctx, doc))

	t.Run("joined subject resolves via the index", func(t *testing.T) {
		docs, err := composites.FindByImpactIndex(ctx, []rdf.Subject{joined})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, doc.ID, docs[0].ID)
	})

	t.Run("re-put removes stale index keys", func(t *testing.T) {
		doc.ImpactIndex = []rdf.Subject{subjectA}
		doc.UpdatedTs = time.Now()
		require.NoError(t, composites.Put(ctx, doc))

		docs, err := composites.FindByImpactIndex(ctx, []rdf.Subject{joined})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("sweep deletes rows older than cutoff", func(t *testing.T) {
		deleted, err := composites.DeleteBySpecAndAge(ctx, "product_row", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		docs, err := composites.FindByImpactIndex(ctx, []rdf.Subject{subjectA})
		require.NoError(t, err)
		assert.Empty(t, docs, "index keys must die with the document")
	})
}

func TestBadgerClosed(t *testing.T) {
	ctx := context.Background()
	b := openTestBadger(t)
	stores := b.Stores()
	require.NoError(t, b.Close())

	_, err := stores.CBDs.Get(ctx, subjectA)
	assert.ErrorIs(t, err, ErrStorageClosed)
	_, err = stores.Queue.Enqueue(ctx, "apply", "t", nil)
	assert.ErrorIs(t, err, ErrStorageClosed)
	assert.NoError(t, b.Close(), "double close is a no-op")
}

package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// lateLockStore inserts one extra lock for the transaction right before
// the delete runs, mimicking a writer racing the snapshot listing.
type lateLockStore struct {
	store.LockStore
	late          rdf.Subject
	transactionID string
}

func (l lateLockStore) DeleteByTransaction(ctx context.Context, transactionID string) ([]rdf.Subject, error) {
	if transactionID == l.transactionID {
		if err := l.LockStore.TryInsert(ctx, l.late, transactionID, time.Now()); err != nil {
			return nil, err
		}
	}
	return l.LockStore.DeleteByTransaction(ctx, transactionID)
}

func TestRemoveInertLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("removes and audits", func(t *testing.T) {
		mem := store.NewMemoryStore()
		st := mem.Stores()

		// Locks left behind by a transaction that completed but crashed
		// before releasing them.
		require.NoError(t, st.Locks.TryInsert(ctx, lockSubjectA, "tx-crashed", time.Now()))
		require.NoError(t, st.Locks.TryInsert(ctx, lockSubjectB, "tx-crashed", time.Now()))

		removed, err := RemoveInertLocks(ctx, st.Locks, st.TxLog, "products", "cbd", "tx-crashed", "stuck after deploy", testLogger())
		require.NoError(t, err)
		assert.Len(t, removed, 2)

		for _, s := range []rdf.Subject{lockSubjectA, lockSubjectB} {
			n, err := st.Locks.CountForSubject(ctx, s)
			require.NoError(t, err)
			assert.Zero(t, n)
		}

		entries := mem.Entries()
		require.Len(t, entries, 1)
		audit := entries[0]
		assert.Equal(t, store.KindRemoveInertLock, audit.Kind)
		assert.Equal(t, store.TxCompleted, audit.Status)
		assert.Equal(t, "stuck after deploy", audit.Reason)
		assert.Len(t, audit.AffectedSubjects, 2)
		require.NotNil(t, audit.EndTime)
	})

	t.Run("no locks still leaves an audit entry", func(t *testing.T) {
		mem := store.NewMemoryStore()
		st := mem.Stores()

		removed, err := RemoveInertLocks(ctx, st.Locks, st.TxLog, "products", "cbd", "tx-clean", "routine check", testLogger())
		require.NoError(t, err)
		assert.Empty(t, removed)

		entries := mem.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, store.TxCompleted, entries[0].Status)
		assert.Empty(t, entries[0].AffectedSubjects)
	})

	t.Run("audit records what the deletion removed", func(t *testing.T) {
		mem := store.NewMemoryStore()
		st := mem.Stores()
		require.NoError(t, st.Locks.TryInsert(ctx, lockSubjectA, "tx-racing", time.Now()))

		// A lock inserted between the snapshot listing and the deletion
		// is removed too and must appear in the audit entry.
		locks := lateLockStore{LockStore: st.Locks, late: lockSubjectB, transactionID: "tx-racing"}

		_, err := RemoveInertLocks(ctx, locks, st.TxLog, "products", "cbd", "tx-racing", "cleanup", testLogger())
		require.NoError(t, err)

		entries := mem.Entries()
		require.Len(t, entries, 1)
		assert.ElementsMatch(t, []rdf.Subject{lockSubjectA, lockSubjectB}, entries[0].AffectedSubjects)
	})

	t.Run("other transactions' locks survive", func(t *testing.T) {
		mem := store.NewMemoryStore()
		st := mem.Stores()
		require.NoError(t, st.Locks.TryInsert(ctx, lockSubjectA, "tx-live", time.Now()))
		require.NoError(t, st.Locks.TryInsert(ctx, lockSubjectB, "tx-dead", time.Now()))

		_, err := RemoveInertLocks(ctx, st.Locks, st.TxLog, "products", "cbd", "tx-dead", "cleanup", testLogger())
		require.NoError(t, err)

		records, err := st.Locks.ListByTransaction(ctx, "tx-live")
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

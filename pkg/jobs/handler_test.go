package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/impact"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

func newHandlerFixture(t *testing.T, cfg *config.Config) (*Handler, *store.MemoryStore, *store.Stores) {
	t.Helper()
	mem := store.NewMemoryStore()
	st := mem.Stores()
	log := testLogger()
	p := NewProjection(st.CBDs, st.Composites, log)
	d := NewDispatcher(cfg, st.Queue, p, log)
	a := impact.NewAnalyzer(cfg, st.Composites, log)
	h := NewHandler(cfg, a, p, d, st.Groups, st.Composites, log)
	return h, mem, st
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandleApplyOperation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h, _, st := newHandlerFixture(t, cfg)
	storeProduct(t, st.CBDs, product1)

	job := &store.QueuedJob{
		Type: JobTypeApplyOperation,
		Payload: mustMarshal(t, &ApplyOperationJob{
			Subject:    product1,
			Operations: []store.OpType{store.OpTables},
			StoreName:  "products",
			PodName:    "cbd",
		}),
	}
	require.NoError(t, h.Handle(ctx, job))

	_, err := st.Composites[store.OpTables].Get(ctx, store.CompositeID(product1, "product_row"))
	assert.NoError(t, err)
}

func TestHandleUnknownJobType(t *testing.T) {
	cfg := testConfig()
	h, _, _ := newHandlerFixture(t, cfg)
	err := h.Handle(context.Background(), &store.QueuedJob{Type: "mystery"})
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestHandleMalformedPayload(t *testing.T) {
	cfg := testConfig()
	h, _, _ := newHandlerFixture(t, cfg)
	err := h.Handle(context.Background(), &store.QueuedJob{
		Type:    JobTypeApplyOperation,
		Payload: []byte("not-json"),
	})
	assert.Error(t, err)
}

func TestHandleGroupSweep(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h, _, st := newHandlerFixture(t, cfg)

	storeProduct(t, st.CBDs, product1)

	// A composite of the same spec whose source vanished before this bulk
	// pass. The sweep after the last group job must remove it.
	stale := &store.CompositeDocument{
		ID:          store.CompositeID(product2, "product_row"),
		Subject:     product2,
		SpecID:      "product_row",
		ImpactIndex: []rdf.Subject{product2},
		CreatedTs:   time.Now().Add(-time.Hour),
		UpdatedTs:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.Composites[store.OpTables].Put(ctx, stale))

	groupStart := time.Now()
	require.NoError(t, st.Groups.Create(ctx, "group_1", 2, groupStart))

	job := func(subject rdf.Subject) *store.QueuedJob {
		return &store.QueuedJob{
			Type: JobTypeApplyOperation,
			Payload: mustMarshal(t, &ApplyOperationJob{
				Subject:    subject,
				Operations: []store.OpType{store.OpTables},
				StoreName:  "products",
				PodName:    "cbd",
				SpecTypes:  []string{"product_row"},
				TrackingID: "group_1",
			}),
		}
	}

	require.NoError(t, h.Handle(ctx, job(product1)))

	t.Run("sweep waits for the group to drain", func(t *testing.T) {
		_, err := st.Composites[store.OpTables].Get(ctx, stale.ID)
		assert.NoError(t, err, "stale row survives until the last group job")
	})

	require.NoError(t, h.Handle(ctx, job(product1)))

	t.Run("last job sweeps rows older than the pass", func(t *testing.T) {
		_, err := st.Composites[store.OpTables].Get(ctx, stale.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// The row regenerated during the pass survives.
		_, err = st.Composites[store.OpTables].Get(ctx, store.CompositeID(product1, "product_row"))
		assert.NoError(t, err)
	})
}

func TestHandleDiscoverImpacted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h, mem, st := newHandlerFixture(t, cfg)

	// product1's view joined in brand1.
	require.NoError(t, st.Composites[store.OpViews].Put(ctx, &store.CompositeDocument{
		ID:          store.CompositeID(product1, "product_card"),
		Subject:     product1,
		SpecID:      "product_card",
		ImpactIndex: []rdf.Subject{product1, brand1},
		CreatedTs:   time.Now(),
		UpdatedTs:   time.Now(),
	}))

	job := &store.QueuedJob{
		Type: JobTypeDiscoverImpacted,
		Payload: mustMarshal(t, &DiscoverImpactedJob{
			StoreName: "products",
			PodName:   "cbd",
			Changed: []ChangedSubject{
				{Subject: brand1, Predicates: []string{namePred}},
			},
		}),
	}
	require.NoError(t, h.Handle(ctx, job))

	jobs := mem.Jobs(config.DefaultQueue)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobTypeApplyOperation, jobs[0].Type)

	var payload ApplyOperationJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, product1, payload.Subject, "fan-out targets the impacted composite's subject")
	assert.Equal(t, []string{"product_card"}, payload.SpecTypes)
}

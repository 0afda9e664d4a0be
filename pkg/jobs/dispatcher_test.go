package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/impact"
	"github.com/triaddb/triad/pkg/store"
)

func TestDispatchSync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	st := store.NewMemoryStore().Stores()
	p := NewProjection(st.CBDs, st.Composites, testLogger())
	d := NewDispatcher(cfg, st.Queue, p, testLogger())

	storeProduct(t, st.CBDs, product1)

	err := d.DispatchSync(ctx, []*impact.ImpactedSubject{{
		Subject:    product1,
		Operations: []store.OpType{store.OpViews},
		StoreName:  "products",
		PodName:    "cbd",
	}})
	require.NoError(t, err)

	_, err = st.Composites[store.OpViews].Get(ctx, store.CompositeID(product1, "product_card"))
	assert.NoError(t, err, "sync dispatch regenerates inline")
}

func TestDispatchAsync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mem := store.NewMemoryStore()
	st := mem.Stores()
	p := NewProjection(st.CBDs, st.Composites, testLogger())
	d := NewDispatcher(cfg, st.Queue, p, testLogger())

	err := d.DispatchAsync(ctx, []*impact.ImpactedSubject{{
		Subject:    product1,
		Operations: []store.OpType{store.OpTables},
		StoreName:  "products",
		PodName:    "cbd",
	}})
	require.NoError(t, err)

	jobs := mem.Jobs(config.DefaultQueue)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobTypeApplyOperation, jobs[0].Type)

	var payload ApplyOperationJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, product1, payload.Subject)
	assert.Equal(t, []store.OpType{store.OpTables}, payload.Operations)
}

func TestQueueFor(t *testing.T) {
	cfg := testConfig()
	cfg.Tables[0].Queue = "tables"
	cfg.Search = []config.Specification{{ID: "product_search", Type: productType, Queue: "tables"}}
	d := NewDispatcher(cfg, store.NewMemoryStore().Stores().Queue, nil, testLogger())

	t.Run("unrestricted tasks use the default queue", func(t *testing.T) {
		assert.Equal(t, config.DefaultQueue, d.queueFor(nil))
	})

	t.Run("single override is honored", func(t *testing.T) {
		assert.Equal(t, "tables", d.queueFor([]string{"product_row"}))
	})

	t.Run("shared override is honored", func(t *testing.T) {
		assert.Equal(t, "tables", d.queueFor([]string{"product_row", "product_search"}))
	})

	t.Run("mixed queues fall back to the default", func(t *testing.T) {
		assert.Equal(t, config.DefaultQueue, d.queueFor([]string{"product_row", "product_card"}))
	})

	t.Run("unknown spec falls back to the default", func(t *testing.T) {
		assert.Equal(t, config.DefaultQueue, d.queueFor([]string{"absent"}))
	})
}

func TestApplyTaskSpecRestriction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	// A second view spec the restriction must exclude.
	cfg.Views = append(cfg.Views, config.Specification{ID: "product_teaser", Type: productType})
	st := store.NewMemoryStore().Stores()
	p := NewProjection(st.CBDs, st.Composites, testLogger())

	storeProduct(t, st.CBDs, product1)

	err := ApplyTask(ctx, cfg, p, product1, []store.OpType{store.OpViews}, []string{"product_card"})
	require.NoError(t, err)

	_, err = st.Composites[store.OpViews].Get(ctx, store.CompositeID(product1, "product_card"))
	assert.NoError(t, err)
	_, err = st.Composites[store.OpViews].Get(ctx, store.CompositeID(product1, "product_teaser"))
	assert.ErrorIs(t, err, store.ErrNotFound, "restricted task must not touch other specs")
}

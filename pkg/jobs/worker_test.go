package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triaddb/triad/pkg/store"
)

func startTestWorker(t *testing.T, h *Handler, queue store.JobQueue) *Worker {
	t.Helper()
	w := NewWorker(queue, h, &WorkerConfig{Queue: "apply", PollInterval: 10 * time.Millisecond}, testLogger())
	t.Cleanup(w.Close)
	return w
}

func TestWorkerProcessesQueue(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h, mem, st := newHandlerFixture(t, cfg)
	storeProduct(t, st.CBDs, product1)

	w := startTestWorker(t, h, st.Queue)

	payload := mustMarshal(t, &ApplyOperationJob{
		Subject:    product1,
		Operations: []store.OpType{store.OpTables},
		StoreName:  "products",
		PodName:    "cbd",
	})
	_, err := st.Queue.Enqueue(ctx, "apply", JobTypeApplyOperation, payload)
	require.NoError(t, err)
	w.Trigger()

	require.Eventually(t, func() bool {
		return len(mem.Jobs("apply")) == 0
	}, 2*time.Second, 5*time.Millisecond, "worker should drain the queue")

	_, err = st.Composites[store.OpTables].Get(ctx, store.CompositeID(product1, "product_row"))
	assert.NoError(t, err)

	stats := w.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestWorkerRecordsFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h, mem, st := newHandlerFixture(t, cfg)
	storeProduct(t, st.CBDs, product1)

	w := startTestWorker(t, h, st.Queue)

	// One poison item, one good one behind it.
	_, err := st.Queue.Enqueue(ctx, "apply", JobTypeApplyOperation, []byte("not-json"))
	require.NoError(t, err)
	good := mustMarshal(t, &ApplyOperationJob{
		Subject:    product1,
		Operations: []store.OpType{store.OpTables},
		StoreName:  "products",
		PodName:    "cbd",
	})
	_, err = st.Queue.Enqueue(ctx, "apply", JobTypeApplyOperation, good)
	require.NoError(t, err)
	w.Trigger()

	require.Eventually(t, func() bool {
		s := w.Stats()
		return s.Processed == 1 && s.Failed == 1
	}, 2*time.Second, 5*time.Millisecond, "a poison item must not block the queue")

	jobs := mem.Jobs("apply")
	require.Len(t, jobs, 1, "the failed item stays for inspection")
	assert.Equal(t, store.JobFailed, jobs[0].Status)
	assert.NotEmpty(t, jobs[0].Error)
}

func TestWorkerClose(t *testing.T) {
	cfg := testConfig()
	h, _, st := newHandlerFixture(t, cfg)
	w := NewWorker(st.Queue, h, &WorkerConfig{Queue: "apply", PollInterval: 10 * time.Millisecond}, testLogger())

	require.Eventually(t, func() bool { return w.Stats().Running }, time.Second, time.Millisecond)
	w.Close()
	assert.False(t, w.Stats().Running)
}

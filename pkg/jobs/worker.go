package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/store"
)

// WorkerConfig holds worker loop settings.
type WorkerConfig struct {
	// Queue to poll.
	Queue string
	// PollInterval between claims while the queue is empty.
	PollInterval time.Duration
}

// DefaultWorkerConfig returns sensible defaults for the default queue.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Queue:        "apply",
		PollInterval: time.Second,
	}
}

// Worker drains one queue: claim, handle, ack, or record the failure on
// the item and move on. A failed item never halts processing of the
// rest; only an unclaimable queue (storage fault) stops the loop.
type Worker struct {
	queue   store.JobQueue
	handler *Handler
	config  *WorkerConfig
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Trigger channel to wake the worker immediately after an enqueue.
	trigger chan struct{}

	mu        sync.Mutex
	processed int
	failed    int
	running   bool
}

// NewWorker creates a worker and starts its loop.
func NewWorker(queue store.JobQueue, handler *Handler, config *WorkerConfig, log logrus.FieldLogger) *Worker {
	if config == nil {
		config = DefaultWorkerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		queue:   queue,
		handler: handler,
		config:  config,
		log:     log.WithField("queue", config.Queue),
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Trigger wakes the worker to check for new items. Call after enqueueing
// when latency matters more than the poll interval.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// WorkerStats reports worker progress.
type WorkerStats struct {
	Running   bool `json:"running"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{Running: w.running, Processed: w.processed, Failed: w.failed}
}

// Close stops the worker and waits for the in-flight item to finish.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.drain()
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}
	}
}

// drain claims and processes items until the queue is empty or the
// worker is stopped.
func (w *Worker) drain() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		job, err := w.queue.ClaimNext(w.ctx, w.config.Queue)
		if err != nil {
			w.log.WithError(err).Error("claiming next queue item")
			return
		}
		if job == nil {
			return
		}
		w.process(job)
	}
}

// process runs one item. Handler errors are recorded on the item, never
// propagated, so one bad item cannot block the queue.
func (w *Worker) process(job *store.QueuedJob) {
	if err := w.handler.Handle(w.ctx, job); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"job_id":   job.ID,
			"job_type": job.Type,
		}).Warn("queue item failed")
		if ferr := w.queue.Fail(w.ctx, job, err.Error()); ferr != nil {
			w.log.WithError(ferr).Error("recording queue item failure")
		}
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		return
	}
	if err := w.queue.Ack(w.ctx, job); err != nil {
		w.log.WithError(err).Error("acking queue item")
		return
	}
	w.mu.Lock()
	w.processed++
	w.mu.Unlock()
}

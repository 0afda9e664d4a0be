package store

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func queueKey(queue string, seq uint64) []byte {
	return key(prefixQueue, []byte(queue), seqBytes(seq))
}

func jobGroupKey(id string) []byte {
	return key(prefixJobGroup, []byte(id))
}

// Enqueue appends a job to a queue in status queued.
func (b badgerQueue) Enqueue(ctx context.Context, queue string, jobType string, payload []byte) (*QueuedJob, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	seq, err := b.seq.Next()
	if err != nil {
		return nil, err
	}
	job := &QueuedJob{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    payload,
		Status:     JobQueued,
		Seq:        seq,
		EnqueuedTs: time.Now(),
	}
	data, err := encode(job)
	if err != nil {
		return nil, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(queue, seq), data)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext atomically claims the oldest queued item: the item is marked
// processing inside the same transaction that finds it, so two workers
// never receive the same item. Returns (nil, nil) when the queue holds
// no claimable work.
func (b badgerQueue) ClaimNext(ctx context.Context, queue string) (*QueuedJob, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	for {
		var claimed *QueuedJob
		err := b.db.Update(func(txn *badger.Txn) error {
			prefix := keyPrefix(prefixQueue, []byte(queue))
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var job QueuedJob
				if err := decodeInto(it.Item(), &job); err != nil {
					return err
				}
				if job.Status != JobQueued {
					continue
				}
				now := time.Now()
				job.Status = JobProcessing
				job.ClaimedTs = &now
				data, err := encode(&job)
				if err != nil {
					return err
				}
				if err := txn.Set(queueKey(queue, job.Seq), data); err != nil {
					return err
				}
				claimed = &job
				return nil
			}
			return nil
		})
		if err == badger.ErrConflict {
			continue // raced another worker; try the next item
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
}

// Ack removes a successfully processed item.
func (b badgerQueue) Ack(ctx context.Context, job *QueuedJob) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(queueKey(job.Queue, job.Seq))
	})
}

// Fail marks an item failed with the error message, leaving it in place
// for inspection and manual retry tooling.
func (b badgerQueue) Fail(ctx context.Context, job *QueuedJob, message string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	job.Status = JobFailed
	job.Error = message
	data, err := encode(job)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(job.Queue, job.Seq), data)
	})
}

// Create writes a new job group with a pending counter.
func (b badgerGroups) Create(ctx context.Context, id string, count int64, start time.Time) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	group := JobGroup{ID: id, Count: count, StartTime: start}
	data, err := encode(&group)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobGroupKey(id), data)
	})
}

// Decrement atomically decreases the pending counter. Conflicting
// decrements from concurrent workers retry until they serialize.
func (b badgerGroups) Decrement(ctx context.Context, id string) (int64, *JobGroup, error) {
	if err := b.checkOpen(); err != nil {
		return 0, nil, err
	}
	for {
		var group JobGroup
		err := b.db.Update(func(txn *badger.Txn) error {
			if err := getJSON(txn, jobGroupKey(id), &group); err != nil {
				return err
			}
			group.Count--
			data, err := encode(&group)
			if err != nil {
				return err
			}
			return txn.Set(jobGroupKey(id), data)
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		return group.Count, &group, nil
	}
}

// Get returns a job group by id.
func (b badgerGroups) Get(ctx context.Context, id string) (*JobGroup, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var group JobGroup
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobGroupKey(id), &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

package jobs

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/impact"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// Queue job types.
const (
	JobTypeApplyOperation   = "apply_operation"
	JobTypeDiscoverImpacted = "discover_impacted_subjects"
)

// ApplyOperationJob is the payload of one queued regeneration task.
type ApplyOperationJob struct {
	Subject    rdf.Subject    `json:"subject"`
	Operations []store.OpType `json:"operations"`
	StoreName  string         `json:"store"`
	PodName    string         `json:"pod"`
	SpecTypes  []string       `json:"spec_types,omitempty"`

	// TrackingID links the job to a bulk-regeneration job group.
	TrackingID string `json:"tracking_id,omitempty"`
}

// DiscoverImpactedJob defers impact discovery itself to a worker: the
// worker re-runs the analyzer over the changed-subject set and fans out
// ApplyOperation jobs.
type DiscoverImpactedJob struct {
	StoreName string           `json:"store"`
	PodName   string           `json:"pod"`
	Changed   []ChangedSubject `json:"changed"`
}

// ChangedSubject is one changed subject with the predicates touched.
type ChangedSubject struct {
	Subject    rdf.Subject `json:"subject"`
	Predicates []string    `json:"predicates"`
}

// Dispatcher executes sync regeneration tasks inline and serializes
// async ones onto the job queue.
type Dispatcher struct {
	cfg   *config.Config
	queue store.JobQueue
	regen Regenerator
	log   logrus.FieldLogger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg *config.Config, queue store.JobQueue, regen Regenerator, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{cfg: cfg, queue: queue, regen: regen, log: log}
}

// DispatchSync regenerates each task's composites inline. Errors
// propagate to the save path's caller.
func (d *Dispatcher) DispatchSync(ctx context.Context, tasks []*impact.ImpactedSubject) error {
	for _, task := range tasks {
		if err := ApplyTask(ctx, d.cfg, d.regen, task.Subject, task.Operations, task.SpecTypes); err != nil {
			return err
		}
	}
	return nil
}

// DispatchAsync enqueues each task as an ApplyOperation job, honoring
// per-specification queue overrides.
func (d *Dispatcher) DispatchAsync(ctx context.Context, tasks []*impact.ImpactedSubject) error {
	for _, task := range tasks {
		job := &ApplyOperationJob{
			Subject:    task.Subject,
			Operations: task.Operations,
			StoreName:  task.StoreName,
			PodName:    task.PodName,
			SpecTypes:  task.SpecTypes,
		}
		if err := d.EnqueueApply(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueApply serializes one ApplyOperation job onto its queue.
func (d *Dispatcher) EnqueueApply(ctx context.Context, job *ApplyOperationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "jobs: encoding apply job")
	}
	queue := d.queueFor(job.SpecTypes)
	if _, err := d.queue.Enqueue(ctx, queue, JobTypeApplyOperation, payload); err != nil {
		return errors.Wrapf(err, "jobs: enqueueing apply job on %s", queue)
	}
	d.log.WithFields(logrus.Fields{
		"queue":   queue,
		"subject": job.Subject.String(),
	}).Debug("apply job enqueued")
	return nil
}

// EnqueueDiscover serializes a deferred-discovery job onto the default
// queue.
func (d *Dispatcher) EnqueueDiscover(ctx context.Context, job *DiscoverImpactedJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "jobs: encoding discover job")
	}
	if _, err := d.queue.Enqueue(ctx, config.DefaultQueue, JobTypeDiscoverImpacted, payload); err != nil {
		return errors.Wrap(err, "jobs: enqueueing discover job")
	}
	return nil
}

// queueFor picks the queue for a task. A task restricted to
// specifications that all share one queue override lands there; any
// mixture falls back to the default queue.
func (d *Dispatcher) queueFor(specTypes []string) string {
	if len(specTypes) == 0 {
		return config.DefaultQueue
	}
	queue := ""
	for _, id := range specTypes {
		spec, _, ok := d.cfg.SpecByID(id)
		if !ok {
			return config.DefaultQueue
		}
		if queue == "" {
			queue = spec.QueueName()
		} else if queue != spec.QueueName() {
			return config.DefaultQueue
		}
	}
	return queue
}

// ApplyTask regenerates every specification a task names, shared by the
// sync path and the queue worker. With no spec restriction, every
// specification of each named operation family runs; RegenerateOne
// removes composites whose source no longer qualifies.
func ApplyTask(ctx context.Context, cfg *config.Config, regen Regenerator, subject rdf.Subject, ops []store.OpType, specTypes []string) error {
	restricted := make(map[string]struct{}, len(specTypes))
	for _, id := range specTypes {
		restricted[id] = struct{}{}
	}
	for _, op := range ops {
		for _, spec := range cfg.SpecsFor(op) {
			if len(restricted) > 0 {
				if _, ok := restricted[spec.ID]; !ok {
					continue
				}
			}
			if err := regen.RegenerateOne(ctx, op, spec, subject); err != nil {
				return errors.Wrapf(err, "jobs: regenerating %s for %s", spec.ID, subject)
			}
		}
	}
	return nil
}
